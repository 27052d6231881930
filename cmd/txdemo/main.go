package main

import (
	"actortx"
	"actortx/config"
	"actortx/internel"
	"actortx/pkg"
	"actortx/state"
	"actortx/transport"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type Account struct {
	Opened  bool `json:"opened"`
	Balance int  `json:"balance"`
}

const initialBalance = 100

var (
	configFile  string
	backendName string
	metricsAddr string
	accounts    int
	reset       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "txdemo",
		Short: "Bank transfers over transactional actor state",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "yaml config file")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "storage backend: memory, sqlite or redis")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "address to expose /metrics on")
	rootCmd.PersistentFlags().IntVarP(&accounts, "accounts", "n", 4, "number of accounts")
	rootCmd.PersistentFlags().BoolVar(&reset, "reset", false, "wipe the accounts' logs before starting")

	rootCmd.AddCommand(newTransferCommand(), newServeCommand())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bank 同一进程内的一组账户和事务代理
type bank struct {
	logger   *zap.Logger
	dir      *internel.Directory
	accounts []*state.TransactionalState[Account]
	agent    *actortx.TXAgent
	registry *prometheus.Registry
	backend  *backend
}

func openBank(ctx context.Context) (*bank, error) {
	conf := config.NewDefaultConfig()
	if configFile != "" {
		if err := conf.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if backendName != "" {
		conf.Storage.Backend = backendName
	}
	if metricsAddr != "" {
		conf.MetricsAddress = metricsAddr
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(conf.Log)
	if err != nil {
		return nil, err
	}
	be, err := openBackend(conf, logger)
	if err != nil {
		return nil, err
	}

	b := &bank{
		logger:   logger,
		dir:      internel.NewDirectory(),
		registry: prometheus.NewRegistry(),
		backend:  be,
	}
	clock := pkg.NewCausalClock()
	for i := 0; i < accounts; i++ {
		actor := fmt.Sprintf("account-%d", i)
		if reset {
			if err := be.reset(ctx, actor); err != nil {
				return nil, err
			}
		}
		s := state.NewTransactionalState[Account](pkg.NewParticipantId(actor, "balance"), be.open(actor), b.dir,
			append(conf.ParticipantOptions(logger), state.WithClock(clock))...)
		if err := b.dir.Extension(actor).Register(s); err != nil {
			return nil, err
		}
		if err := s.Activate(ctx); err != nil {
			return nil, fmt.Errorf("activate %s: %w", actor, err)
		}
		b.accounts = append(b.accounts, s)
	}
	b.agent = actortx.NewTXAgent(b.dir, append(conf.AgentOptions(logger),
		actortx.WithMetrics(b.registry), actortx.WithClock(clock))...)

	if conf.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(conf.MetricsAddress, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}
	return b, nil
}

func (b *bank) Close() {
	b.agent.Close()
	for _, s := range b.accounts {
		s.Close()
	}
	if err := b.backend.close(); err != nil {
		b.logger.Warn("close backend", zap.Error(err))
	}
	_ = b.logger.Sync()
}

// open 给还没有开户的账户存入初始余额
func (b *bank) open(ctx context.Context) error {
	info, err := b.agent.StartTransaction(ctx, false, 0)
	if err != nil {
		return err
	}
	for _, s := range b.accounts {
		if err := s.PerformUpdate(ctx, info, func(a *Account) error {
			if !a.Opened {
				a.Opened, a.Balance = true, initialBalance
			}
			return nil
		}); err != nil {
			b.agent.Abort(ctx, info, err)
			return err
		}
	}
	return b.agent.Commit(ctx, info)
}

// transfer 入账部分在fork出的分支中执行, 模拟跨actor调用
func (b *bank) transfer(ctx context.Context, from, to, amount int) error {
	info, err := b.agent.StartTransaction(ctx, false, 0)
	if err != nil {
		return err
	}
	err = b.accounts[from].PerformUpdate(ctx, info, func(a *Account) error {
		if a.Balance < amount {
			return fmt.Errorf("insufficient funds in account-%d", from)
		}
		a.Balance -= amount
		return nil
	})
	if err != nil {
		b.agent.Abort(ctx, info, err)
		return err
	}

	child := info.Fork()
	if err := b.accounts[to].PerformUpdate(ctx, child, func(a *Account) error {
		a.Balance += amount
		return nil
	}); err != nil {
		child.RecordFailure(pkg.StatusOk, err.Error())
	}
	info.Join(child)
	return b.agent.Commit(ctx, info)
}

func (b *bank) total(ctx context.Context) (int, error) {
	info, err := b.agent.StartTransaction(ctx, true, 0)
	if err != nil {
		return 0, err
	}
	sum := 0
	for _, s := range b.accounts {
		if err := s.PerformRead(ctx, info, func(a Account) error {
			sum += a.Balance
			return nil
		}); err != nil {
			b.agent.Abort(ctx, info, err)
			return 0, err
		}
	}
	return sum, b.agent.Commit(ctx, info)
}

func retryable(err error) bool {
	var (
		aborted   pkg.TransactionAbortedError
		cascading pkg.CascadingAbortError
	)
	return errors.As(err, &aborted) || errors.As(err, &cascading)
}

func newTransferCommand() *cobra.Command {
	var (
		transfers   int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run random transfers and check that money is conserved",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := openBank(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if accounts < 2 {
				return fmt.Errorf("need at least two accounts")
			}
			if err := b.open(ctx); err != nil {
				return err
			}

			start := time.Now()
			committed, aborted := make([]int, concurrency), make([]int, concurrency)
			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < concurrency; w++ {
				g.Go(func() error {
					rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
					for i := w; i < transfers; i += concurrency {
						from := rng.Intn(accounts)
						to := (from + 1 + rng.Intn(accounts-1)) % accounts
						err := b.transfer(gctx, from, to, 1+rng.Intn(10))
						switch {
						case err == nil:
							committed[w]++
						case retryable(err):
							aborted[w]++
						default:
							b.logger.Info("transfer failed", zap.Error(err))
							aborted[w]++
						}
					}
					return gctx.Err()
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			sum, err := b.total(ctx)
			if err != nil {
				return err
			}
			var ok, failed int
			for w := range committed {
				ok += committed[w]
				failed += aborted[w]
			}
			fmt.Printf("committed=%d aborted=%d elapsed=%s total=%d expected=%d\n",
				ok, failed, time.Since(start).Round(time.Millisecond), sum, accounts*initialBalance)
			if sum != accounts*initialBalance {
				return fmt.Errorf("money not conserved: total %d", sum)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&transfers, "transfers", "t", 100, "number of transfers")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "concurrent workers")
	return cmd
}

func newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the accounts behind the gRPC participant service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := openBank(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			g := grpc.NewServer()
			transport.NewServer(b.dir, b.logger).Register(g)
			go func() {
				<-ctx.Done()
				g.GracefulStop()
			}()
			b.logger.Info("serving participants", zap.String("listen", listen), zap.Int("accounts", len(b.accounts)))
			return g.Serve(lis)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:7070", "gRPC listen address")
	return cmd
}

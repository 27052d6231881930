package pkg

import (
	"fmt"
	"sort"
)

// ParticipantId 参与者的唯一标识: actor + 资源名, 按值比较
type ParticipantId struct {
	Actor string `json:"actor"`
	Name  string `json:"name"`
}

func NewParticipantId(actor, name string) ParticipantId {
	return ParticipantId{Actor: actor, Name: name}
}

func (p ParticipantId) String() string {
	return fmt.Sprintf("%s/%s", p.Actor, p.Name)
}

// 零值表示"没有参与者", 在日志记录中代表事务由自己担任TM
func (p ParticipantId) IsZero() bool {
	return p.Actor == "" && p.Name == ""
}

func (p ParticipantId) Less(o ParticipantId) bool {
	if p.Actor != o.Actor {
		return p.Actor < o.Actor
	}
	return p.Name < o.Name
}

func SortParticipants(ps []ParticipantId) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}

// AccessCounter 记录单个参与者在事务中的读写次数
type AccessCounter struct {
	Reads  int `json:"reads"`
	Writes int `json:"writes"`
}

func (a AccessCounter) Add(o AccessCounter) AccessCounter {
	return AccessCounter{Reads: a.Reads + o.Reads, Writes: a.Writes + o.Writes}
}

func (a AccessCounter) IsReadOnly() bool {
	return a.Writes == 0
}

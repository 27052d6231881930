package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 作为 content-subtype 在请求中携带, 服务端按名字选择编解码器
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

package client

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"protorpc/channel"
	"protorpc/codec"
)

func BenchmarkSerialCall(b *testing.B) {
	c := dial(b, startServer(b))
	ctx := context.Background()
	req := wrapperspb.Int64(3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(ctx, "Arith", "Square", req, &wrapperspb.Int64Value{}); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines share one channel: calls are multiplexed on one link.
func BenchmarkConcurrentCall(b *testing.B) {
	c := dial(b, startServer(b))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		req := wrapperspb.Int64(3)
		for pb.Next() {
			if _, err := c.Call(ctx, "Arith", "Square", req, &wrapperspb.Int64Value{}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkConcurrentCallJSON(b *testing.B) {
	c := dial(b, startServer(b), WithChannelOptions(channel.WithCodec(&codec.JSONCodec{})))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		req := wrapperspb.Int64(3)
		for pb.Next() {
			if _, err := c.Call(ctx, "Arith", "Square", req, &wrapperspb.Int64Value{}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkCodecProto(b *testing.B) {
	benchmarkCodec(b, &codec.ProtoCodec{})
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, &codec.JSONCodec{})
}

func benchmarkCodec(b *testing.B, cdc codec.Codec) {
	msg := wrapperspb.String("the quick brown fox")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := cdc.Decode(data, msg); err != nil {
			b.Fatal(err)
		}
	}
}

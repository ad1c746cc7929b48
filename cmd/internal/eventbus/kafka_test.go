package eventbus

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestKafkaConfig_StartOffset(t *testing.T) {
	t.Parallel()

	cfg := KafkaConfig{LatestGroupPrefixes: []string{"tether-gateway-"}}

	cases := []struct {
		group string
		want  int64
	}{
		{group: "tether-gateway-node-a", want: kafka.LastOffset},
		{group: "tether-cascade", want: kafka.FirstOffset},
		{group: "gateway", want: kafka.FirstOffset},
	}
	for _, tc := range cases {
		if got := cfg.startOffset(tc.group); got != tc.want {
			t.Fatalf("startOffset(%q)=%d want=%d", tc.group, got, tc.want)
		}
	}

	if got := (KafkaConfig{}).startOffset("tether-gateway-node-a"); got != kafka.FirstOffset {
		t.Fatalf("no prefixes should start from the oldest offset, got %d", got)
	}
}

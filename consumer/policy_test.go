package consumer

import (
	"math"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestParseRetryCount(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  int64
		ok    bool
	}{
		{"int zero", 0, 0, true},
		{"int8", int8(3), 3, true},
		{"int16", int16(4), 4, true},
		{"int32", int32(1), 1, true},
		{"int64", int64(7), 7, true},
		{"uint8", uint8(2), 2, true},
		{"uint32", uint32(5), 5, true},
		{"uint64", uint64(6), 6, true},
		{"uint64 overflow", uint64(math.MaxUint64), 0, false},
		{"negative", int64(-1), 0, false},
		{"negative int32", int32(-5), 0, false},
		{"whole float", float64(2), 0, false},
		{"float32", float32(1), 0, false},
		{"string", "1", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
		{"table", amqp.Table{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryCount(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	policy := RetryPolicy{RetryQueues: []string{"r1", "r2", "r3"}, DLQ: "dead"}

	tests := []struct {
		name      string
		headers   amqp.Table
		target    string
		nextCount interface{}
		valid     bool
	}{
		{"first hop", amqp.Table{HeaderRetryCount: int64(0)}, "r1", int64(1), true},
		{"middle hop", amqp.Table{HeaderRetryCount: int32(1)}, "r2", int64(2), true},
		{"last hop", amqp.Table{HeaderRetryCount: int64(2)}, "r3", int64(3), true},
		{"exhausted", amqp.Table{HeaderRetryCount: int64(3)}, "dead", int64(4), true},
		{"far past max", amqp.Table{HeaderRetryCount: int64(100)}, "dead", int64(101), true},
		{"max int64 cannot be bumped", amqp.Table{HeaderRetryCount: int64(math.MaxInt64)}, "dead", int64(math.MaxInt64), false},
		{"missing", amqp.Table{}, "dead", nil, false},
		{"float", amqp.Table{HeaderRetryCount: 1.0}, "dead", 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(tt.headers)
			assert.Equal(t, tt.target, d.TargetQueue)
			assert.Equal(t, tt.valid, d.ValidCount)
			assert.Equal(t, tt.nextCount, d.Headers[HeaderRetryCount])
		})
	}

	t.Run("input headers are not modified", func(t *testing.T) {
		in := amqp.Table{HeaderRetryCount: int64(0), "traceId": "abc"}
		d := policy.Decide(in)

		assert.Equal(t, amqp.Table{HeaderRetryCount: int64(0), "traceId": "abc"}, in)
		assert.Equal(t, "abc", d.Headers["traceId"])
		assert.Equal(t, int64(0), d.RetryCount)
	})

	t.Run("empty chain sends everything to the DLQ", func(t *testing.T) {
		d := RetryPolicy{DLQ: "dead"}.Decide(amqp.Table{HeaderRetryCount: int64(0)})
		assert.Equal(t, "dead", d.TargetQueue)
		assert.Equal(t, int64(1), d.Headers[HeaderRetryCount])
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy("orders").Validate())
	assert.ErrorIs(t, RetryPolicy{RetryQueues: []string{"a"}}.Validate(), ErrInvalidConfiguration)
	assert.ErrorIs(t, RetryPolicy{RetryQueues: []string{"a", ""}, DLQ: "d"}.Validate(), ErrInvalidConfiguration)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy("orders")
	assert.Equal(t, []string{"orders.retry.1", "orders.retry.2"}, p.RetryQueues)
	assert.Equal(t, "orders.dlq", p.DLQ)
	assert.Equal(t, 2, p.MaxAttempts())
}

func TestFailureHeaders(t *testing.T) {
	t.Run("keeps headers and the raw count", func(t *testing.T) {
		in := amqp.Table{HeaderRetryCount: int64(1), "traceId": "abc"}
		out := FailureHeaders(in)

		assert.Equal(t, amqp.Table{
			HeaderRetryCount:           int64(1),
			"traceId":                  "abc",
			HeaderRetryConsumerFailure: true,
			HeaderOriginalRetryCount:   int64(1),
		}, out)
		assert.Len(t, in, 2)
	})

	t.Run("missing count is recorded as null", func(t *testing.T) {
		out := FailureHeaders(nil)
		assert.Equal(t, true, out[HeaderRetryConsumerFailure])
		v, ok := out[HeaderOriginalRetryCount]
		assert.True(t, ok)
		assert.Nil(t, v)
	})
}

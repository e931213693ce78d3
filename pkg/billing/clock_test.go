package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(time.Date(2024, time.February, 10, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, date(2024, time.February, 10), Today(c))

	c.Advance(10 * time.Hour)
	assert.Equal(t, date(2024, time.February, 11), Today(c))

	c.Set(date(2024, time.March, 1))
	assert.Equal(t, date(2024, time.March, 1), c.Now())
}

func TestFixedDelay(t *testing.T) {
	t.Run("only listed operations wait", func(t *testing.T) {
		d := FixedDelay{Duration: time.Hour, Operations: []string{"card.charge"}}
		start := time.Now()
		assert.NoError(t, d.Delay(context.Background(), "escrow.charge"))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("context cancels the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := FixedDelay{Duration: time.Hour}.Delay(ctx, "card.charge")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("short delay elapses", func(t *testing.T) {
		assert.NoError(t, FixedDelay{Duration: time.Millisecond}.Delay(context.Background(), "x"))
		assert.NoError(t, NoDelay{}.Delay(context.Background(), "x"))
	})
}

package observability

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/goalmux/pkg/telemetry"
)

func TestInstrument_SingleInstancePerVendor(t *testing.T) {
	ResetInstruments()
	t.Cleanup(ResetInstruments)

	const n = 50
	handles := make([]*Instrumentation, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i] = Instrument("openai")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i])
	}

	assert.NotSame(t, Instrument("openai"), Instrument("anthropic"))
}

func TestResetInstruments(t *testing.T) {
	ResetInstruments()
	first := Instrument("openai")
	ResetInstruments()
	second := Instrument("openai")
	assert.NotSame(t, first, second)
}

func TestCall_AppendsHopToAmbientCapsule(t *testing.T) {
	ResetInstruments()
	t.Cleanup(ResetInstruments)

	capsule := telemetry.NewCapsule("trace-1", 10)
	ctx := ContextWithCapsule(context.Background(), capsule)

	in := Instrument("openai")
	err := in.Call(ctx, "gpt-4o", func(ctx context.Context) (int, int, string, error) {
		return 1000, 500, "stop", nil
	})
	require.NoError(t, err)

	hops := capsule.Hops()
	require.Len(t, hops, 1)
	assert.Equal(t, "openai", hops[0].Provider)
	assert.Equal(t, "chat gpt-4o", hops[0].Operation)
	assert.Equal(t, "ok", hops[0].Status)
	assert.InDelta(t, 0.0075, hops[0].CostUSD, 1e-9)
}

func TestCall_ErrorStatusRecorded(t *testing.T) {
	ResetInstruments()
	t.Cleanup(ResetInstruments)

	capsule := telemetry.NewCapsule("trace-1", 10)
	ctx := ContextWithCapsule(context.Background(), capsule)

	callErr := fmt.Errorf("provider down")
	err := Instrument("anthropic").Call(ctx, "claude-3-5-sonnet", func(ctx context.Context) (int, int, string, error) {
		return 0, 0, "", callErr
	})
	require.ErrorIs(t, err, callErr)

	hops := capsule.Hops()
	require.Len(t, hops, 1)
	assert.Equal(t, "error", hops[0].Status)
	assert.Zero(t, hops[0].CostUSD)
}

func TestCapsuleFromContext_NilWhenAbsent(t *testing.T) {
	assert.Nil(t, CapsuleFromContext(context.Background()))
}

package sensors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
)

func TestEnvironmentFakeStaysInRange(t *testing.T) {
	s := NewHumidityFake(1, 94)
	for i := 0; i < 500; i++ {
		v, err := s.ReadValue()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, 10.0)
		assert.LessOrEqual(t, v, 95.0)
	}

	s.SetValue(500)
	s.SetStep(0)
	v, _ := s.ReadValue()
	assert.Equal(t, 95.0, v)
}

func TestWorkerDeliversReadings(t *testing.T) {
	temp := NewTemperatureFake(3, 22)
	temp.SetStep(0)
	hum := NewHumidityFake(3, 60)
	hum.SetStep(0)

	w := NewWorker(10*time.Millisecond, logx.Nop()).Add(temp).Add(hum)
	assert.True(t, w.Has(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	got := map[string]float64{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case d := <-w.DataChannel():
			assert.Equal(t, uint64(3), d.PlantID)
			got[d.SensorName] = d.Value
		case <-timeout:
			t.Fatal("no readings")
		}
	}
	assert.Equal(t, map[string]float64{NameTemperature: 22, NameHumidity: 60}, got)

	w.Remove(3)
	assert.False(t, w.Has(3))
}

package poller

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
)

func intPtr(v int) *int { return &v }

func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, time.UTC)
}

func TestDailyOffsetsStableWithinDay(t *testing.T) {
	p := DefaultPolicy()
	p.Seed = 42

	s1, e1 := p.DailyOffsets(at(2, 0, 1))
	s2, e2 := p.DailyOffsets(at(2, 23, 59))
	assert.Equal(t, s1, s2)
	assert.Equal(t, e1, e2)

	differs := false
	for day := 1; day <= 28; day++ {
		s, e := p.DailyOffsets(at(day, 12, 0))
		assert.GreaterOrEqual(t, s, time.Duration(0))
		assert.LessOrEqual(t, s, MaxDailyOffset)
		assert.GreaterOrEqual(t, e, time.Duration(0))
		assert.LessOrEqual(t, e, MaxDailyOffset)
		if s != s1 || e != e1 {
			differs = true
		}
	}
	assert.True(t, differs, "offsets vary across days")
}

func TestDailyOffsetsDependOnSeed(t *testing.T) {
	a := DefaultPolicy()
	a.Seed = 1
	b := DefaultPolicy()
	b.Seed = 2

	differs := false
	for day := 1; day <= 28; day++ {
		as, ae := a.DailyOffsets(at(day, 12, 0))
		bs, be := b.DailyOffsets(at(day, 12, 0))
		if as != bs || ae != be {
			differs = true
		}
	}
	assert.True(t, differs)
}

func TestNextIntervalChargingVersusNormal(t *testing.T) {
	p := DefaultPolicy()
	rnd := rand.New(rand.NewSource(1))
	noon := at(2, 12, 0)

	charging := State{ChargerStatus: lynkco.ChargerConnectedWithPower, BatteryPercent: intPtr(60)}
	full := State{ChargerStatus: lynkco.ChargerConnectedWithPower, BatteryPercent: intPtr(95)}
	unplugged := State{ChargerStatus: lynkco.ChargerDisconnected, BatteryPercent: intPtr(20)}

	for i := 0; i < 200; i++ {
		d := p.NextInterval(charging, noon, rnd)
		assert.GreaterOrEqual(t, d, p.ChargingMin)
		assert.LessOrEqual(t, d, p.ChargingMax)

		d = p.NextInterval(full, noon, rnd)
		assert.GreaterOrEqual(t, d, p.NormalMin)
		assert.LessOrEqual(t, d, p.NormalMax)

		d = p.NextInterval(unplugged, noon, rnd)
		assert.GreaterOrEqual(t, d, p.NormalMin)
		assert.LessOrEqual(t, d, p.NormalMax)
	}
}

func TestNextIntervalOutsideWindowSleepsUntilStart(t *testing.T) {
	p := DefaultPolicy()
	p.Seed = 7
	rnd := rand.New(rand.NewSource(1))

	early := at(2, 3, 0)
	start, _ := p.Window(early)
	assert.Equal(t, start.Sub(early), p.NextInterval(State{}, early, rnd))
	assert.False(t, p.Allowed(early))
	assert.True(t, p.Allowed(start))

	late := at(2, 23, 30)
	next, _ := p.Window(at(3, 0, 0))
	assert.Equal(t, next.Sub(late), p.NextInterval(State{}, late, rnd))
	assert.False(t, p.Allowed(late))
}

func TestWindowEndUsesOwnOffset(t *testing.T) {
	p := DefaultPolicy()
	p.Seed = 99
	day := at(5, 12, 0)

	startOff, endOff := p.DailyOffsets(day)
	start, end := p.Window(day)
	assert.Equal(t, at(5, 10, 0).Add(startOff), start)
	assert.Equal(t, at(5, 22, 0).Add(endOff), end)
}

func TestLegacyModeDarkHours(t *testing.T) {
	p := DefaultPolicy()
	p.SmartMode = false
	rnd := rand.New(rand.NewSource(1))

	assert.Equal(t, p.ScanInterval, p.NextInterval(State{}, at(2, 12, 0), rnd))
	assert.Equal(t, 2*time.Hour+30*time.Minute, p.NextInterval(State{}, at(2, 2, 30), rnd))
	assert.False(t, p.Allowed(at(2, 1, 0)))
	assert.True(t, p.Allowed(at(2, 5, 0)))

	// 跨越午夜
	p.DarkStartHour, p.DarkEndHour = 23, 5
	assert.Equal(t, 5*time.Hour+30*time.Minute, p.NextInterval(State{}, at(2, 23, 30), rnd))
	assert.Equal(t, time.Hour, p.NextInterval(State{}, at(3, 4, 0), rnd))
	assert.False(t, p.Allowed(at(2, 23, 0)))
	assert.True(t, p.Allowed(at(2, 22, 59)))

	// 起止相同表示没有暗时段
	p.DarkStartHour, p.DarkEndHour = 3, 3
	assert.True(t, p.Allowed(at(2, 3, 0)))
	assert.Equal(t, p.ScanInterval, p.NextInterval(State{}, at(2, 3, 0), rnd))
}

func TestNextIntervalAlwaysPositive(t *testing.T) {
	p := DefaultPolicy()
	p.NormalMin, p.NormalMax = 0, 0
	rnd := rand.New(rand.NewSource(1))

	assert.Greater(t, p.NextInterval(State{}, at(2, 12, 0), rnd), time.Duration(0))
}

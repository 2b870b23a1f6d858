package poller

import (
	"math/rand"
	"time"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
)

// MaxDailyOffset 活跃窗口每日随机偏移的上限
const MaxDailyOffset = 20 * time.Minute

// Policy 轮询策略
type Policy struct {
	SmartMode             bool
	ActiveStartHour       int
	ActiveEndHour         int
	NormalMin             time.Duration
	NormalMax             time.Duration
	ChargingMin           time.Duration
	ChargingMax           time.Duration
	ChargingTargetPercent int
	ScanInterval          time.Duration
	DarkStartHour         int
	DarkEndHour           int
	// Seed 与日期一起决定每日偏移
	Seed int64
}

// DefaultPolicy 默认值
func DefaultPolicy() Policy {
	return Policy{
		SmartMode:             true,
		ActiveStartHour:       10,
		ActiveEndHour:         22,
		NormalMin:             20 * time.Minute,
		NormalMax:             40 * time.Minute,
		ChargingMin:           8 * time.Minute,
		ChargingMax:           12 * time.Minute,
		ChargingTargetPercent: 90,
		ScanInterval:          120 * time.Minute,
		DarkStartHour:         1,
		DarkEndHour:           5,
	}
}

// DailyOffsets 当天窗口起止的偏移，取值 [0, 20] 分钟
// 只依赖 Seed 和日期，同一天内多次调用结果相同
func (p Policy) DailyOffsets(day time.Time) (start, end time.Duration) {
	y, m, d := day.Date()
	r := rand.New(rand.NewSource(p.Seed*1_000_003 + int64(y*10000+int(m)*100+d)))
	n := int(MaxDailyOffset/time.Minute) + 1
	start = time.Duration(r.Intn(n)) * time.Minute
	end = time.Duration(r.Intn(n)) * time.Minute
	return start, end
}

// Window 当天的活跃窗口
func (p Policy) Window(now time.Time) (start, end time.Time) {
	y, m, d := now.Date()
	startOffset, endOffset := p.DailyOffsets(now)
	start = time.Date(y, m, d, p.ActiveStartHour, 0, 0, 0, now.Location()).Add(startOffset)
	end = time.Date(y, m, d, p.ActiveEndHour, 0, 0, 0, now.Location()).Add(endOffset)
	return start, end
}

// Allowed 当前时刻是否允许自动拉取
func (p Policy) Allowed(now time.Time) bool {
	if p.SmartMode {
		start, end := p.Window(now)
		return !now.Before(start) && now.Before(end)
	}
	return !p.inDarkHours(now)
}

// Charging 充电枪接通电源且电量低于目标
func (p Policy) Charging(st State) bool {
	return st.ChargerStatus == lynkco.ChargerConnectedWithPower &&
		st.BatteryPercent != nil && *st.BatteryPercent < p.ChargingTargetPercent
}

// NextInterval 计算距下一次自动拉取的时长，结果总是大于 0
func (p Policy) NextInterval(st State, now time.Time, rnd *rand.Rand) time.Duration {
	var d time.Duration
	switch {
	case !p.SmartMode:
		if p.inDarkHours(now) {
			d = p.untilDarkEnd(now)
		} else {
			d = p.ScanInterval
		}
	default:
		start, end := p.Window(now)
		switch {
		case now.Before(start):
			d = start.Sub(now)
		case !now.Before(end):
			y, m, day := now.Date()
			tomorrow := time.Date(y, m, day+1, 0, 0, 0, 0, now.Location())
			next, _ := p.Window(tomorrow)
			d = next.Sub(now)
		case p.Charging(st):
			d = uniform(rnd, p.ChargingMin, p.ChargingMax)
		default:
			d = uniform(rnd, p.NormalMin, p.NormalMax)
		}
	}

	if d <= 0 {
		d = time.Minute
	}
	return d
}

// inDarkHours 起止相同表示没有暗时段，end < start 时跨越午夜
func (p Policy) inDarkHours(now time.Time) bool {
	h := now.Hour()
	switch {
	case p.DarkStartHour == p.DarkEndHour:
		return false
	case p.DarkStartHour < p.DarkEndHour:
		return h >= p.DarkStartHour && h < p.DarkEndHour
	default:
		return h >= p.DarkStartHour || h < p.DarkEndHour
	}
}

func (p Policy) untilDarkEnd(now time.Time) time.Duration {
	y, m, d := now.Date()
	end := time.Date(y, m, d, p.DarkEndHour, 0, 0, 0, now.Location())
	if !end.After(now) {
		end = time.Date(y, m, d+1, p.DarkEndHour, 0, 0, 0, now.Location())
	}
	return end.Sub(now)
}

// uniform 按分钟粒度在 [min, max] 内均匀取值
func uniform(rnd *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	span := int64((hi - lo) / time.Minute)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rnd.Int63n(span+1))*time.Minute
}

package stream

import "time"

// Delay 计算第 attempt 次 (从 0 起) 重连前的退避时长: min(base×2^attempt, max)。
//
// 逐次翻倍而非位移幂运算，到达上限即止，避免大 attempt 溢出。
func Delay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base > max {
		return max
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}

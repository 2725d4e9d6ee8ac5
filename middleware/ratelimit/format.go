// formatação de números em headers sem passar por fmt.

package ratelimit

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// ceilDiv arredonda para cima; Retry-After nunca pode prometer antes do fim da janela.
func ceilDiv(v, d int64) int64 {
	if v <= 0 {
		return 0
	}
	return (v + d - 1) / d
}

package openshift

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var suffixes = []struct {
	suffix string
	factor float64
}{
	{"Ki", 1 << 10},
	{"Mi", 1 << 20},
	{"Gi", 1 << 30},
	{"Ti", 1 << 40},
	{"Pi", 1 << 50},
	{"Ei", 1 << 60},
	{"k", 1e3},
	{"M", 1e6},
	{"G", 1e9},
	{"T", 1e12},
	{"P", 1e15},
	{"E", 1e18},
	{"m", 1e-3},
}

// parseQuantity converts a Kubernetes resource quantity ("16Gi", "500m",
// "1e3") into its value.
func parseQuantity(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	factor := 1.0
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			s = strings.TrimSuffix(s, sf.suffix)
			factor = sf.factor
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return v * factor, nil
}

// parseCPU returns the number of cores of a cpu quantity with milli precision.
func parseCPU(s string) (float64, error) {
	v, err := parseQuantity(s)
	if err != nil {
		return 0, err
	}
	return math.Ceil(v*1000) / 1000, nil
}

package pool

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/lineopthq/optimizer/internal/config"
)

// Generator expands configured IP ranges into a candidate pool. A
// two-part prefix ranges over the third octet with a full fourth octet
// sweep; a three-part prefix ranges over the fourth octet only.
type Generator struct {
	ranges []config.IPRange
	skip   map[string]bool
}

func NewGenerator(cfg config.PoolConfig) (*Generator, error) {
	if len(cfg.Ranges) == 0 {
		return nil, fmt.Errorf("pool has no ranges configured")
	}
	for _, r := range cfg.Ranges {
		parts := strings.Count(r.Prefix, ".") + 1
		if parts != 2 && parts != 3 {
			return nil, fmt.Errorf("pool range prefix %q must have 2 or 3 octets", r.Prefix)
		}
		if r.Start < 0 || r.End > 255 || r.Start > r.End {
			return nil, fmt.Errorf("pool range %q has invalid bounds [%d,%d]", r.Prefix, r.Start, r.End)
		}
	}
	skip := make(map[string]bool, len(cfg.SkipIPs))
	for _, ip := range cfg.SkipIPs {
		skip[ip] = true
	}
	return &Generator{ranges: cfg.Ranges, skip: skip}, nil
}

// Generate expands the ranges, dropping skip-listed IPs and any IP the
// reject callback flags. A nil reject accepts everything.
func (g *Generator) Generate(reject func(ip string) bool) []string {
	var out []string
	for _, r := range g.ranges {
		parts := strings.Count(r.Prefix, ".") + 1
		for i := r.Start; i <= r.End; i++ {
			if parts == 3 {
				g.appendIP(&out, fmt.Sprintf("%s.%d", r.Prefix, i), reject)
				continue
			}
			for j := 0; j <= 255; j++ {
				g.appendIP(&out, fmt.Sprintf("%s.%d.%d", r.Prefix, i, j), reject)
			}
		}
	}
	return out
}

func (g *Generator) appendIP(out *[]string, ip string, reject func(string) bool) {
	if g.skip[ip] {
		return
	}
	if reject != nil && reject(ip) {
		return
	}
	*out = append(*out, ip)
}

// Sample shuffles the pool and bounds it. A positive sampleSize wins
// over sampleRate; a rate in (0,1) keeps that fraction, at least one.
func Sample(ips []string, sampleSize int, sampleRate float64, rng *rand.Rand) []string {
	out := append([]string(nil), ips...)
	if rng != nil {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	limit := len(out)
	switch {
	case sampleSize > 0:
		limit = sampleSize
	case sampleRate > 0 && sampleRate < 1:
		limit = int(float64(len(out)) * sampleRate)
		if limit < 1 && len(out) > 0 {
			limit = 1
		}
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

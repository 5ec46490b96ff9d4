package worker

import "time"

// State 是单个缓存版本（generation）的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Generation 对应一次安装的缓存版本；字段只在 Manager 持锁时修改。
type Generation struct {
	Seq         int64
	Version     string
	Manifest    []string
	CacheName   string
	State       State
	InstalledAt time.Time
	ActivatedAt time.Time
}

// GenerationInfo 是 Generation 的只读快照，可安全地跨 goroutine 传递。
type GenerationInfo struct {
	Seq         int64     `json:"seq"`
	Version     string    `json:"version"`
	CacheName   string    `json:"cache_name"`
	State       State     `json:"state"`
	Manifest    []string  `json:"manifest"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

func (g *Generation) info() GenerationInfo {
	return GenerationInfo{
		Seq:         g.Seq,
		Version:     g.Version,
		CacheName:   g.CacheName,
		State:       g.State,
		Manifest:    append([]string(nil), g.Manifest...),
		InstalledAt: g.InstalledAt,
		ActivatedAt: g.ActivatedAt,
	}
}

func (g *Generation) sameAs(version string, manifest []string) bool {
	if g == nil || g.Version != version || len(g.Manifest) != len(manifest) {
		return false
	}
	for i := range manifest {
		if g.Manifest[i] != manifest[i] {
			return false
		}
	}
	return true
}

// Status 汇总 Manager 当前各阶段的 generation。
type Status struct {
	Active       *GenerationInfo `json:"active,omitempty"`
	Waiting      *GenerationInfo `json:"waiting,omitempty"`
	Installing   *GenerationInfo `json:"installing,omitempty"`
	RuntimeCache string          `json:"runtime_cache"`
	Clients      int             `json:"clients"`
}

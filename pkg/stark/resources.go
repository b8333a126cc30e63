package stark

import "fmt"

// ResourceList is the fixed-dimension resource vector used for node capacity,
// pod requests, and namespace quotas. CPU is in millicores, memory and
// storage in MB.
type ResourceList struct {
	CPU     int64 `json:"cpu"`
	Memory  int64 `json:"memory"`
	Storage int64 `json:"storage"`
	Pods    int64 `json:"pods"`
}

func (r ResourceList) Add(other ResourceList) ResourceList {
	return ResourceList{
		CPU:     r.CPU + other.CPU,
		Memory:  r.Memory + other.Memory,
		Storage: r.Storage + other.Storage,
		Pods:    r.Pods + other.Pods,
	}
}

func (r ResourceList) Sub(other ResourceList) ResourceList {
	return ResourceList{
		CPU:     max64(0, r.CPU-other.CPU),
		Memory:  max64(0, r.Memory-other.Memory),
		Storage: max64(0, r.Storage-other.Storage),
		Pods:    max64(0, r.Pods-other.Pods),
	}
}

// Fits reports whether r is component-wise less than or equal to capacity.
func (r ResourceList) Fits(capacity ResourceList) bool {
	return r.CPU <= capacity.CPU &&
		r.Memory <= capacity.Memory &&
		r.Storage <= capacity.Storage &&
		r.Pods <= capacity.Pods
}

func (r ResourceList) IsZero() bool {
	return r == ResourceList{}
}

// DominantShare returns the largest utilization fraction across cpu and
// memory, the two dimensions the least-allocated score considers.
func (r ResourceList) DominantShare(capacity ResourceList) float64 {
	cpu := frac(r.CPU, capacity.CPU)
	mem := frac(r.Memory, capacity.Memory)
	if cpu > mem {
		return cpu
	}
	return mem
}

func (r ResourceList) String() string {
	return fmt.Sprintf("cpu=%dm memory=%dMB storage=%dMB pods=%d", r.CPU, r.Memory, r.Storage, r.Pods)
}

func frac(used, capacity int64) float64 {
	if capacity <= 0 {
		return 1
	}
	f := float64(used) / float64(capacity)
	if f > 1 {
		return 1
	}
	return f
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

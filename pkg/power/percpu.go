package power

import "fmt"

// sampleRegistry owns one Sample per logical CPU. It lives from Initialize to Deinitialize.
type sampleRegistry struct {
	cells []Sample
}

func newSampleRegistry(numCPUs uint) *sampleRegistry {
	return &sampleRegistry{cells: make([]Sample, numCPUs)}
}

// get returns the cell of cpu. Only the engine running on that CPU may mutate it.
func (r *sampleRegistry) get(cpu uint) (*Sample, error) {
	if cpu >= uint(len(r.cells)) {
		return nil, fmt.Errorf("cpu %d is not tracked, registry holds %d cpus", cpu, len(r.cells))
	}
	return &r.cells[cpu], nil
}

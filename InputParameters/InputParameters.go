package InputParameters

import (
	"fmt"
	"sort"

	"github.com/ghodss/yaml"

	"github.com/notargets/linsys/types"
)

type PartitionParameters struct {
	Name            string `yaml:"Name"`
	NumCalls        int    `yaml:"NumCalls"`
	EntitiesPerCall int    `yaml:"EntitiesPerCall"`
}

// Parameters obtained from the YAML input file
type InputParametersLinSys struct {
	Title            string                        `yaml:"Title"`
	Nx               int                           `yaml:"Nx"`
	Ny               int                           `yaml:"Ny"`
	Lx               float64                       `yaml:"Lx"`
	Ly               float64                       `yaml:"Ly"`
	NumDof           int                           `yaml:"NumDof"`
	MultiVectorRHS   bool                          `yaml:"MultiVectorRHS"`
	Source           float64                       `yaml:"Source"`
	Reaction         float64                       `yaml:"Reaction"`
	NumEpochs        int                           `yaml:"NumEpochs"`
	NumTasks         int                           `yaml:"NumTasks"`
	DiagonalFirst    bool                          `yaml:"DiagonalFirst"`
	FillUnfilledRows bool                          `yaml:"FillUnfilledRows"`
	Solver           string                        `yaml:"Solver"`
	Tolerance        float64                       `yaml:"Tolerance"`
	MaxIterations    int                           `yaml:"MaxIterations"`
	Partitions       []PartitionParameters         `yaml:"Partitions"`
	BCs              map[string]map[string]float64 `yaml:"BCs"` // First key is the row tag, e.g. "Dirichlet-left", second is parameter name
}

func (ip *InputParametersLinSys) Parse(data []byte) (err error) {
	if err = yaml.Unmarshal(data, ip); err != nil {
		return
	}
	ip.setDefaults()
	for tag := range ip.BCs {
		if _, err = parseTag(tag); err != nil {
			return
		}
	}
	return
}

func (ip *InputParametersLinSys) setDefaults() {
	if ip.NumDof == 0 {
		ip.NumDof = 1
	}
	if ip.NumEpochs == 0 {
		ip.NumEpochs = 1
	}
	if ip.NumTasks == 0 {
		ip.NumTasks = 1
	}
	if ip.Solver == "" {
		ip.Solver = "BiCGStab"
	}
	if ip.Lx == 0 {
		ip.Lx = 1
	}
	if ip.Ly == 0 {
		ip.Ly = 1
	}
}

func parseTag(tag string) (rt types.RowType, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("BCs: %v", r)
		}
	}()
	rt = types.NewRowTag(tag).GetType()
	return
}

// SortedBCs returns the boundary tags in sorted order
func (ip *InputParametersLinSys) SortedBCs() (keys []string) {
	keys = make([]string, len(ip.BCs))
	i := 0
	for k := range ip.BCs {
		keys[i] = k
		i++
	}
	sort.Strings(keys)
	return
}

func (ip *InputParametersLinSys) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", ip.Title)
	fmt.Printf("[%d x %d]\t\t= Elements\n", ip.Nx, ip.Ny)
	fmt.Printf("[%g x %g]\t\t= Domain Size\n", ip.Lx, ip.Ly)
	fmt.Printf("[%d]\t\t\t= Degrees of Freedom, MultiVectorRHS = %v\n", ip.NumDof, ip.MultiVectorRHS)
	fmt.Printf("%8.5f\t\t= Source, Reaction = %8.5f\n", ip.Source, ip.Reaction)
	fmt.Printf("[%d]\t\t\t= Epochs, Tasks = %d\n", ip.NumEpochs, ip.NumTasks)
	fmt.Printf("[%s]\t\t= Solver\n", ip.Solver)
	for _, p := range ip.Partitions {
		fmt.Printf("Partition[%s] = %d calls x %d entities\n", p.Name, p.NumCalls, p.EntitiesPerCall)
	}
	for _, key := range ip.SortedBCs() {
		fmt.Printf("BCs[%s] = %v\n", key, ip.BCs[key])
	}
}

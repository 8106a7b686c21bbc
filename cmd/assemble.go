/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/linsys/InputParameters"
	"github.com/notargets/linsys/linsys"
	"github.com/notargets/linsys/mesh"
	"github.com/notargets/linsys/solver"
	"github.com/notargets/linsys/types"
	"github.com/notargets/linsys/utils"
)

type ModelLinSys struct {
	ICFile      string
	MetricsAddr string
	Profile     string
	ProcLimit   int
	Verbose     bool
}

// Partition names used by the sample problem
const (
	ElementPartition = "elements"
	NodePartition    = "nodes"
)

type AssembleSummary struct {
	Field       []float64 // Solution per node, entity major
	Result      solver.Result
	NumEpochs   int
	NumNonzeros int
	Stats       linsys.Stats
	Elapsed     time.Duration
}

// AssembleCmd represents the assemble command
var AssembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble and solve a diffusion problem on a structured grid",
	Long: `
Builds a structured quad grid, assembles the element Laplacian and a nodal
reaction term into one linear system from concurrent tasks, applies the
boundary conditions and solves, once per epoch,

linsys assemble -I input.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		var (
			err error
		)
		m := &ModelLinSys{}
		if m.ICFile, err = cmd.Flags().GetString("inputConditionsFile"); err != nil {
			panic(err)
		}
		m.MetricsAddr, _ = cmd.Flags().GetString("metricsAddr")
		m.Verbose = viper.GetBool("verbose")
		m.ProcLimit = viper.GetInt("procs")
		m.Profile = viper.GetString("profile")
		ip := processInput(m)
		if m.Verbose {
			ip.Print()
		}
		switch strings.ToLower(m.Profile) {
		case "":
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
		default:
			panic(fmt.Errorf("unknown profile type \"%s\", use cpu or mem", m.Profile))
		}
		if len(m.MetricsAddr) != 0 {
			serveMetrics(m.MetricsAddr)
		}
		var sum *AssembleSummary
		if sum, err = RunAssemble(m, ip); err != nil {
			panic(err)
		}
		fmt.Printf("%d epochs, %d nonzeros, %d iterations, residual %8.5e, elapsed %v\n",
			sum.NumEpochs, sum.NumNonzeros, sum.Result.Iterations, sum.Result.ResidualNorm, sum.Elapsed)
	},
}

func init() {
	rootCmd.AddCommand(AssembleCmd)
	AssembleCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file for input parameters like:\n\t- Nx, Ny\n\t- BCs")
	AssembleCmd.Flags().StringP("metricsAddr", "m", "", "serve prometheus metrics on this address, e.g. :2112")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Printf("metrics server: %v\n", err)
		}
	}()
}

func processInput(m *ModelLinSys) (ip *InputParameters.InputParametersLinSys) {
	var (
		err error
	)
	if len(m.ICFile) == 0 {
		err = fmt.Errorf("must supply an input parameters file (-I, --inputConditionsFile) in YAML format")
		fmt.Printf("error: %s\n", err.Error())
		exampleFile := `
########################################
Title: "Heated plate"
Nx: 32
Ny: 16
Lx: 2.
Ly: 1.
Source: 1.
NumTasks: 8
NumEpochs: 4
Solver: BiCGStab # Can be "Direct"
BCs:
  Dirichlet-left:
    U: 0.
  Dirichlet-right:
    U: 1.
########################################
`
		fmt.Printf("Example File:%s\n", exampleFile)
		os.Exit(1)
	}
	var data []byte
	if data, err = os.ReadFile(m.ICFile); err != nil {
		panic(err)
	}
	ip = &InputParameters.InputParametersLinSys{}
	if err = ip.Parse(data); err != nil {
		panic(err)
	}
	return
}

// NewLayout sizes the element and node partitions, entries of the input
// override the sizes of the partition with the same name
func NewLayout(g *mesh.StructuredGrid, ip *InputParameters.InputParametersLinSys) (layout *linsys.Layout) {
	layout = linsys.NewLayout(
		linsys.PartitionSpec{Name: ElementPartition, NumCalls: g.NumElements(), EntitiesPerCall: 4},
		linsys.PartitionSpec{Name: NodePartition, NumCalls: g.NumNodes(), EntitiesPerCall: 1},
	)
	for _, pp := range ip.Partitions {
		for p := range layout.Partitions {
			if strings.EqualFold(pp.Name, layout.Partitions[p].Name) {
				layout.Partitions[p].NumCalls = pp.NumCalls
				layout.Partitions[p].EntitiesPerCall = pp.EntitiesPerCall
			}
		}
	}
	return
}

// boundaryValues tags the Dirichlet sides and returns the boundary value of every
// node and dof. Parameters of a side apply to the dofs in sorted name order, a
// single parameter applies to all dofs.
func boundaryValues(s *linsys.System, g *mesh.StructuredGrid, ip *InputParameters.InputParametersLinSys) (bc []float64, err error) {
	bc = make([]float64, g.NumNodes()*ip.NumDof)
	for _, tag := range ip.SortedBCs() {
		rt := types.NewRowTag(tag)
		switch rt.GetType() {
		case types.RowNormal:
			continue
		case types.RowOverset:
			err = fmt.Errorf("boundary %s: overset rows need a donor mesh", tag)
			return
		}
		nodes := g.BoundaryNodes(rt.GetLabel())
		if err = s.BuildDirichletNodeGraph(nodes); err != nil {
			return
		}
		var (
			params = ip.BCs[tag]
			names  = make([]string, 0, len(params))
		)
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			continue
		}
		for _, n := range nodes {
			for d := 0; d < ip.NumDof; d++ {
				bc[n*ip.NumDof+d] = params[names[min(d, len(names)-1)]]
			}
		}
	}
	return
}

func RunAssemble(m *ModelLinSys, ip *InputParameters.InputParametersLinSys) (sum *AssembleSummary, err error) {
	var (
		start       = time.Now()
		g           = mesh.NewStructuredGrid(ip.Nx, ip.Ny, ip.Lx, ip.Ly)
		entityToRow = g.EntityToRow(0, g.NumNodes(), linsys.NotOwned)
		groups      = g.ElementGroups(ip.NumTasks)
		nodeTasks   = utils.NewPartitionMap(ip.NumTasks, g.NumNodes())
		area        = g.NodalAreas()
		s           *linsys.System
		bc          []float64
	)
	name := ip.Title
	if name == "" {
		name = "linsys"
	}
	cfg := linsys.Config{
		Name:             name,
		NumDof:           ip.NumDof,
		MultiVectorRHS:   ip.MultiVectorRHS,
		MaxRowID:         g.NumNodes(),
		RowLower:         0,
		RowUpper:         g.NumNodes(),
		DiagonalFirst:    ip.DiagonalFirst,
		FillUnfilledRows: ip.FillUnfilledRows,
		ParallelDegree:   m.ProcLimit,
		Verbose:          m.Verbose,
	}
	slv := solver.NewSolver(solver.NewSolverType(ip.Solver), ip.Tolerance, ip.MaxIterations)
	if s, err = linsys.New(cfg, NewLayout(g, ip), entityToRow, slv); err != nil {
		return
	}
	if bc, err = boundaryValues(s, g, ip); err != nil {
		return
	}
	sum = &AssembleSummary{Field: make([]float64, g.NumNodes()*ip.NumDof)}
	for epoch := 0; epoch < ip.NumEpochs; epoch++ {
		if err = s.ZeroSystem(); err != nil {
			return
		}
		var (
			elements = s.CoeffApplier(0)
			nodes    = s.CoeffApplier(1)
			eg       = new(errgroup.Group)
		)
		for _, grp := range groups {
			eg.Go(func() error {
				for _, k := range grp {
					entities, lhs, rhs := g.ElementBlock(k, ip.NumDof, ip.Source)
					if err := elements.SumInto(entities, rhs, lhs); err != nil {
						return err
					}
				}
				return nil
			})
		}
		for np := 0; np < nodeTasks.ParallelDegree; np++ {
			eg.Go(func() error {
				nMin, nMax := nodeTasks.GetBucketRange(np)
				for n := nMin; n < nMax; n++ {
					entities, lhs, rhs := g.NodeBlock(n, ip.NumDof, ip.Reaction, 0, area)
					if err := nodes.SumInto(entities, rhs, lhs); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err = eg.Wait(); err != nil {
			return
		}
		if err = s.ApplyDirichletBCs(nil, bc); err != nil {
			return
		}
		if err = s.LoadComplete(); err != nil {
			return
		}
		if sum.Result, err = s.Solve(sum.Field); err != nil {
			return
		}
		sum.NumEpochs++
	}
	sum.NumNonzeros = len(s.Matrix().Values)
	sum.Stats = s.Stats()
	sum.Elapsed = time.Since(start)
	if m.Verbose {
		s.Report()
	}
	return
}

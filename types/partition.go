package types

import (
	"fmt"
	"sort"
)

// DefaultTestRunner is used for recipes that do not carry a TEST_RUNNER constraint.
const DefaultTestRunner = "default"

// SubSuiteSpec is one independently schedulable partition of an execution request.
type SubSuiteSpec struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Suite         string            `json:"suite"`
	Index         int               `json:"index"`
	TestRunner    string            `json:"test_runner"`
	Recipes       []Recipe          `json:"recipes"`
	Requirements  map[string]string `json:"requirements,omitempty"`
}

// PartitionOptions tunes how suites are split into sub-suites.
type PartitionOptions struct {
	// MaxRecipesPerSubSuite caps the recipes placed in a single sub-suite. 0 means unlimited.
	MaxRecipesPerSubSuite int
}

// SubSuiteID returns the identifier of the n-th sub-suite of a suite.
func SubSuiteID(suite string, index int) string {
	return fmt.Sprintf("%s_SubSuite_%d", suite, index)
}

// Partition splits a validated request into sub-suite specifications. The result is
// deterministic: suites keep request order, recipes are grouped by test runner in sorted order
// and each group is chunked by MaxRecipesPerSubSuite.
func Partition(req *ExecutionRequest, opts PartitionOptions) ([]SubSuiteSpec, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxRecipesPerSubSuite < 0 {
		return nil, fmt.Errorf("max recipes per sub-suite cannot be negative: %d", opts.MaxRecipesPerSubSuite)
	}

	var specs []SubSuiteSpec
	for _, suite := range req.Batches {
		groups := make(map[string][]Recipe)
		for _, recipe := range suite.Recipes {
			runner := recipe.Constraint(ConstraintTestRunner)
			if runner == "" {
				runner = DefaultTestRunner
			}
			groups[runner] = append(groups[runner], recipe)
		}

		runners := make([]string, 0, len(groups))
		for runner := range groups {
			runners = append(runners, runner)
		}
		sort.Strings(runners)

		index := 0
		for _, runner := range runners {
			for _, chunk := range chunkRecipes(groups[runner], opts.MaxRecipesPerSubSuite) {
				specs = append(specs, SubSuiteSpec{
					ID:            SubSuiteID(suite.Name, index),
					CorrelationID: req.CorrelationID,
					Suite:         suite.Name,
					Index:         index,
					TestRunner:    runner,
					Recipes:       chunk,
					Requirements:  requirementsOf(runner, chunk),
				})
				index++
			}
		}
	}
	return specs, nil
}

func chunkRecipes(recipes []Recipe, size int) [][]Recipe {
	if size <= 0 || len(recipes) <= size {
		return [][]Recipe{recipes}
	}
	var chunks [][]Recipe
	for start := 0; start < len(recipes); start += size {
		end := min(start+size, len(recipes))
		chunks = append(chunks, recipes[start:end])
	}
	return chunks
}

// requirementsOf collects the environment requirements shared by a chunk of recipes.
func requirementsOf(runner string, recipes []Recipe) map[string]string {
	reqs := map[string]string{ConstraintTestRunner: runner}
	for _, recipe := range recipes {
		if env := recipe.Constraint(ConstraintEnvironment); env != "" {
			reqs[ConstraintEnvironment] = env
		}
	}
	return reqs
}

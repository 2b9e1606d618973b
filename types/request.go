package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// identifierRegex restricts correlation, suite and recipe identifiers to characters that are
// safe to use in event channel names, metric labels and sub-suite identifiers.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// Recipe constraint keys understood by the partitioner and forwarded to the environment provider.
const (
	ConstraintTestRunner  = "TEST_RUNNER"
	ConstraintEnvironment = "ENVIRONMENT"
	ConstraintCommand     = "COMMAND"
	ConstraintParameters  = "PARAMETERS"
	ConstraintExecute     = "EXECUTE"
	ConstraintCheckout    = "CHECKOUT"
)

// ExecutionRequest is one client-submitted test run. It is immutable once accepted.
type ExecutionRequest struct {
	CorrelationID string            `yaml:"correlation_id" json:"correlation_id"`
	Artifact      Artifact          `yaml:"artifact" json:"artifact"`
	Batches       []SuiteDefinition `yaml:"batches,omitempty" json:"batches,omitempty"`
	BatchesURI    string            `yaml:"batches_uri,omitempty" json:"batches_uri,omitempty"`
}

// Artifact identifies the artifact under test.
type Artifact struct {
	ID       string `yaml:"id" json:"id"`
	Identity string `yaml:"identity,omitempty" json:"identity,omitempty"`
}

// SuiteDefinition is a named test suite made of recipes.
type SuiteDefinition struct {
	Name     string   `yaml:"name" json:"name"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Recipes  []Recipe `yaml:"recipes" json:"recipes"`
}

// Recipe describes how to execute a single test case.
type Recipe struct {
	ID          string       `yaml:"id" json:"id"`
	TestCase    TestCase     `yaml:"test_case" json:"test_case"`
	Constraints []Constraint `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// TestCase identifies a test case in an external tracker.
type TestCase struct {
	ID      string `yaml:"id" json:"id"`
	Tracker string `yaml:"tracker,omitempty" json:"tracker,omitempty"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Constraint is a key/value requirement attached to a recipe.
type Constraint struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value" json:"value"`
}

// Constraint returns the value of the named constraint, or "" when the recipe has none.
func (r Recipe) Constraint(key string) string {
	for _, c := range r.Constraints {
		if c.Key == key {
			return c.Value
		}
	}
	return ""
}

// InvalidRequestError is returned when an execution request is rejected before any work starts.
type InvalidRequestError struct {
	Reasons []string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid execution request: %s", strings.Join(e.Reasons, "; "))
}

// NewInvalidRequestError creates an InvalidRequestError from one or more reasons.
func NewInvalidRequestError(reasons ...string) *InvalidRequestError {
	return &InvalidRequestError{Reasons: reasons}
}

// IsInvalidRequest checks if the error is or wraps an InvalidRequestError
func IsInvalidRequest(err error) bool {
	var invalid *InvalidRequestError
	return err != nil && errors.As(err, &invalid)
}

// Validate checks that the request can be partitioned into sub-suites.
// Batches must already be resolved, see ValidateSource for the unresolved form.
func (r *ExecutionRequest) Validate() error {
	if r == nil {
		return NewInvalidRequestError("request is required")
	}

	var reasons []string
	if r.CorrelationID == "" {
		reasons = append(reasons, "correlation id is required")
	} else if !identifierRegex.MatchString(r.CorrelationID) {
		reasons = append(reasons, fmt.Sprintf("malformed correlation id %q", r.CorrelationID))
	}
	if r.BatchesURI != "" && len(r.Batches) > 0 {
		reasons = append(reasons, "only one of 'batches' or 'batches_uri' shall be set")
	}
	if len(r.Batches) == 0 {
		reasons = append(reasons, "test suite is empty")
	}

	suiteNames := make(map[string]bool)
	for i, suite := range r.Batches {
		switch {
		case suite.Name == "":
			reasons = append(reasons, fmt.Sprintf("suite at index %d has no name", i))
		case !identifierRegex.MatchString(suite.Name):
			reasons = append(reasons, fmt.Sprintf("malformed suite name %q", suite.Name))
		case suiteNames[suite.Name]:
			reasons = append(reasons, fmt.Sprintf("duplicate suite name %q", suite.Name))
		}
		suiteNames[suite.Name] = true

		if len(suite.Recipes) == 0 {
			reasons = append(reasons, fmt.Sprintf("suite %q has no recipes", suite.Name))
			continue
		}
		recipeIDs := make(map[string]bool)
		for j, recipe := range suite.Recipes {
			if recipe.ID == "" {
				reasons = append(reasons, fmt.Sprintf("recipe at index %d in suite %q has no id", j, suite.Name))
				continue
			}
			if recipeIDs[recipe.ID] {
				reasons = append(reasons, fmt.Sprintf("duplicate recipe id %q in suite %q", recipe.ID, suite.Name))
			}
			recipeIDs[recipe.ID] = true
		}
	}

	if len(reasons) > 0 {
		return NewInvalidRequestError(reasons...)
	}
	return nil
}

// ValidateSource checks a request as submitted, before batches_uri has been resolved:
// exactly one of batches or batches_uri must be present.
func (r *ExecutionRequest) ValidateSource() error {
	if r == nil {
		return NewInvalidRequestError("request is required")
	}
	hasBatches := len(r.Batches) > 0
	hasURI := r.BatchesURI != ""
	if hasBatches && hasURI {
		return NewInvalidRequestError("only one of 'batches' or 'batches_uri' shall be set")
	}
	if !hasBatches && !hasURI {
		return NewInvalidRequestError("at least one of 'batches' or 'batches_uri' shall be set")
	}
	return nil
}

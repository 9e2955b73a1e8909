package consres

import (
	bexpr "github.com/hashicorp/go-bexpr"
)

// featureView is the struct go-bexpr evaluates a node's advertised
// feature list against; the "features" selector lets a job's
// FeaturesExpr use membership/equality tests the way node constraint
// expressions are written elsewhere in the corpus.
type featureView struct {
	Features []string `bexpr:"features"`
}

// MatchesFeatures reports whether nodeFeatures satisfies the boolean
// feature expression expr. An empty expr always matches.
func MatchesFeatures(expr string, nodeFeatures []string) (bool, error) {
	if expr == "" {
		return true, nil
	}
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return false, err
	}
	return eval.Evaluate(featureView{Features: nodeFeatures})
}

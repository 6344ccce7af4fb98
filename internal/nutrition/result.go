package nutrition

// Item is the per-food breakdown of a multi-food analysis.
type Item struct {
	FoodName string `json:"foodName"`
	Calories int    `json:"calories"`
	Protein  int    `json:"protein"`
	Carbs    int    `json:"carbs"`
	Fat      int    `json:"fat"`
	Fiber    int    `json:"fiber"`
}

// Result is the normalized nutrition data for one image. Calories are kcal,
// macros are whole grams. When Items is non-empty the totals equal the sum of
// the items.
type Result struct {
	FoodName string `json:"foodName"`
	Calories int    `json:"calories"`
	Protein  int    `json:"protein"`
	Carbs    int    `json:"carbs"`
	Fat      int    `json:"fat"`
	Fiber    int    `json:"fiber"`
	Items    []Item `json:"items,omitempty"`
}

// Clone returns a deep copy so cached results can't be mutated by callers.
func (r Result) Clone() Result {
	out := r
	if r.Items != nil {
		out.Items = make([]Item, len(r.Items))
		copy(out.Items, r.Items)
	}
	return out
}

// ParseOutcome is the result of normalizing raw model output: either Parsed
// or ParseFailure.
type ParseOutcome interface {
	isParseOutcome()
}

// Parsed carries a successfully normalized result.
type Parsed struct {
	Result Result
}

// ParseFailure carries the reason the raw output could not be normalized.
type ParseFailure struct {
	Reason string
}

func (Parsed) isParseOutcome()       {}
func (ParseFailure) isParseOutcome() {}

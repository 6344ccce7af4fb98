package nutrition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// rawResult mirrors the loose shape models return. Field extraction from raw
// provider text happens here and nowhere else.
type rawResult struct {
	FoodName    flexText   `json:"foodName"`
	FoodNameAlt flexText   `json:"food_name"`
	Calories    flexNumber `json:"calories"`
	Protein     flexNumber `json:"protein"`
	Carbs       flexNumber `json:"carbs"`
	Carbohydr   flexNumber `json:"carbohydrates"`
	Fat         flexNumber `json:"fat"`
	Fiber       flexNumber `json:"fiber"`
	Items       []rawItem  `json:"items"`
	Error       flexText   `json:"error"`
}

type rawItem struct {
	FoodName    flexText   `json:"foodName"`
	FoodNameAlt flexText   `json:"food_name"`
	Name        flexText   `json:"name"`
	Calories    flexNumber `json:"calories"`
	Protein     flexNumber `json:"protein"`
	Carbs       flexNumber `json:"carbs"`
	Carbohydr   flexNumber `json:"carbohydrates"`
	Fat         flexNumber `json:"fat"`
	Fiber       flexNumber `json:"fiber"`
}

// Normalize converts raw model output into a Result. Numeric fields are
// coerced to non-negative whole numbers with missing values defaulting to 0.
// A food name is required, either top-level or on every item. Totals of
// multi-food responses are recomputed from the items.
func Normalize(text string) ParseOutcome {
	obj, ok := firstJSONObject(text)
	if !ok {
		return ParseFailure{Reason: "no JSON object found in response"}
	}

	var raw rawResult
	if err := json.Unmarshal(obj, &raw); err != nil {
		return ParseFailure{Reason: fmt.Sprintf("malformed response object: %v", err)}
	}

	if msg := strings.TrimSpace(string(raw.Error)); msg != "" {
		return ParseFailure{Reason: fmt.Sprintf("model reported error: %s", msg)}
	}

	name := firstNonEmpty(raw.FoodName, raw.FoodNameAlt)

	if len(raw.Items) == 0 {
		if name == "" {
			return ParseFailure{Reason: "missing foodName"}
		}
		return Parsed{Result: Result{
			FoodName: name,
			Calories: roundNonNegative(raw.Calories),
			Protein:  roundNonNegative(raw.Protein),
			Carbs:    roundNonNegative(pick(raw.Carbs, raw.Carbohydr)),
			Fat:      roundNonNegative(raw.Fat),
			Fiber:    roundNonNegative(raw.Fiber),
		}}
	}

	res := Result{Items: make([]Item, 0, len(raw.Items))}
	names := make([]string, 0, len(raw.Items))
	for i, ri := range raw.Items {
		itemName := firstNonEmpty(ri.FoodName, ri.FoodNameAlt, ri.Name)
		if itemName == "" {
			return ParseFailure{Reason: fmt.Sprintf("item %d is missing foodName", i)}
		}
		item := Item{
			FoodName: itemName,
			Calories: roundNonNegative(ri.Calories),
			Protein:  roundNonNegative(ri.Protein),
			Carbs:    roundNonNegative(pick(ri.Carbs, ri.Carbohydr)),
			Fat:      roundNonNegative(ri.Fat),
			Fiber:    roundNonNegative(ri.Fiber),
		}
		res.Items = append(res.Items, item)
		names = append(names, itemName)

		res.Calories += item.Calories
		res.Protein += item.Protein
		res.Carbs += item.Carbs
		res.Fat += item.Fat
		res.Fiber += item.Fiber
	}

	res.FoodName = name
	if res.FoodName == "" {
		res.FoodName = strings.Join(names, ", ")
	}
	return Parsed{Result: res}
}

// firstJSONObject returns the first complete JSON object embedded in text,
// skipping markdown fences, prose and unbalanced braces before it.
func firstJSONObject(text string) (json.RawMessage, bool) {
	data := []byte(text)
	for i := 0; i < len(data); i++ {
		if data[i] != '{' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(data[i:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func firstNonEmpty(values ...flexText) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

func pick(primary, fallback flexNumber) flexNumber {
	if primary.set {
		return primary
	}
	return fallback
}

func roundNonNegative(n flexNumber) int {
	v := n.value
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return int(math.Round(v))
}

// flexText accepts a JSON string and ignores any other type.
type flexText string

func (t *flexText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = flexText(s)
	}
	return nil
}

// flexNumber accepts numbers, numeric strings and strings with a unit such as
// "12 g" or "~250 kcal". Anything else reads as unset.
type flexNumber struct {
	value float64
	set   bool
}

var leadingNumber = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = flexNumber{value: f, set: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	m := leadingNumber.FindString(s)
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	*n = flexNumber{value: f, set: true}
	return nil
}

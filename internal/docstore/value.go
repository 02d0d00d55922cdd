package docstore

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is fixed width so stored timestamps sort lexicographically in
// chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const serverTimestampMarker = "__docstore.serverTimestamp__"

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(serverTimestampMarker)), nil
}

// ServerTimestamp is replaced by the commit time when a write is applied.
var ServerTimestamp = serverTimestamp{}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(value any) (time.Time, bool) {
	raw, ok := value.(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Normalize deep-copies data into plain JSON values. Times become fixed-width
// strings and ServerTimestamp becomes now.
func Normalize(data map[string]any, now time.Time) (map[string]any, error) {
	raw, err := json.Marshal(prepare(data))
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	stamp := FormatTime(now)
	for key, value := range out {
		out[key] = resolve(value, stamp)
	}
	return out, nil
}

// NormalizeValue converts a single filter operand the same way Normalize
// converts field values.
func NormalizeValue(value any) any {
	raw, err := json.Marshal(prepare(value))
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}

func prepare(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = prepare(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = prepare(item)
		}
		return out
	case time.Time:
		return FormatTime(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return FormatTime(*v)
	default:
		return value
	}
}

func resolve(value any, stamp string) any {
	switch v := value.(type) {
	case string:
		if v == serverTimestampMarker {
			return stamp
		}
		return v
	case map[string]any:
		for key, item := range v {
			v[key] = resolve(item, stamp)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = resolve(item, stamp)
		}
		return v
	default:
		return value
	}
}

func typeRank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// Compare orders two normalized values. Strings that both parse as
// timestamps compare chronologically.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		if at, ok := ParseTime(av); ok {
			if bt, ok := ParseTime(bv); ok {
				return at.Compare(bt)
			}
		}
		return strings.Compare(av, bv)
	default:
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return strings.Compare(string(ja), string(jb))
	}
}

func (f Filter) Matches(data map[string]any) bool {
	value, ok := data[f.Field]
	if !ok {
		return false
	}
	cmp := Compare(value, NormalizeValue(f.Value))
	switch f.Op {
	case OpEqual, "":
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	default:
		return false
	}
}

// Apply filters, orders and limits docs in memory. Documents missing an
// order field are excluded. Ties break on document id.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
next:
	for _, doc := range docs {
		for _, filter := range q.Filters {
			if !filter.Matches(doc.Data) {
				continue next
			}
		}
		for _, order := range q.Order {
			if _, ok := doc.Data[order.Field]; !ok {
				continue next
			}
		}
		out = append(out, doc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, order := range q.Order {
			cmp := Compare(out[i].Data[order.Field], out[j].Data[order.Field])
			if cmp == 0 {
				continue
			}
			if order.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Signature identifies a result set by membership, order and versions.
func Signature(docs []Document) string {
	var b strings.Builder
	for _, doc := range docs {
		b.WriteString(doc.Ref.Path())
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(doc.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}

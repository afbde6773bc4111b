// Package storetest provides an in-memory DynamoDB double for store-backed
// tests. It understands the expression grammar the stores issue: SET/ADD
// updates, attribute_exists/attribute_not_exists, contains, and =/<>
// comparisons joined by AND/OR.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDB is the in-memory table set. The zero value is not usable; construct
// with New.
type DDB struct {
	mu sync.Mutex
	// tables[table][serializedKey] = item
	tables map[string]map[string]map[string]types.AttributeValue
	// keySchema[table] = attribute names forming the primary key
	keySchema map[string][]string
	// FailWith forces every call to fail, for unavailability tests.
	FailWith error
}

// New builds a fake with the service's table layouts registered.
func New() *DDB {
	return &DDB{
		tables: map[string]map[string]map[string]types.AttributeValue{},
		keySchema: map[string][]string{
			"images":   {"image_id"},
			"regions":  {"image_id", "region_id"},
			"tiles":    {"region_id", "tile_id"},
			"jobs":     {"endpoint_id", "job_id"},
			"features": {"image_id", "tile_key"},
			"stats":    {"endpoint_id"},
		},
	}
}

// Items returns the raw rows of a table, for assertions.
func (f *DDB) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []map[string]types.AttributeValue
	for _, item := range f.table(table) {
		items = append(items, cloneItem(item))
	}
	return items
}

func (f *DDB) table(name string) map[string]map[string]types.AttributeValue {
	if f.tables[name] == nil {
		f.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return f.tables[name]
}

func (f *DDB) keyOf(table string, item map[string]types.AttributeValue) string {
	parts := make([]string, 0, 2)
	for _, attr := range f.keySchema[table] {
		parts = append(parts, attrString(item[attr]))
	}
	return strings.Join(parts, "|")
}

func attrString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return fmt.Sprintf("%v", av)
	}
}

func (f *DDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}

	table := aws.ToString(in.TableName)
	key := f.keyOf(table, in.Item)
	existing := f.table(table)[key]

	if in.ConditionExpression != nil {
		if !evalCondition(aws.ToString(in.ConditionExpression), existing, nil, in.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
		}
	}
	f.table(table)[key] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *DDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	table := aws.ToString(in.TableName)
	item := f.table(table)[f.keyOf(table, in.Key)]
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (f *DDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	table := aws.ToString(in.TableName)
	delete(f.table(table), f.keyOf(table, in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *DDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}

	table := aws.ToString(in.TableName)
	key := f.keyOf(table, in.Key)
	item := f.table(table)[key]

	if in.ConditionExpression != nil {
		if !evalCondition(aws.ToString(in.ConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
		}
	}

	if item == nil {
		item = cloneItem(in.Key)
	}
	applyUpdate(aws.ToString(in.UpdateExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	f.table(table)[key] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *DDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}

	// Key conditions here are always a single "attr = :v" equality.
	cond := aws.ToString(in.KeyConditionExpression)
	parts := strings.SplitN(cond, "=", 2)
	attr := strings.TrimSpace(parts[0])
	want := attrString(in.ExpressionAttributeValues[strings.TrimSpace(parts[1])])

	var items []map[string]types.AttributeValue
	for _, item := range f.table(aws.ToString(in.TableName)) {
		if got, ok := item[attr]; ok && attrString(got) == want {
			items = append(items, cloneItem(item))
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *DDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}

	var items []map[string]types.AttributeValue
	for _, item := range f.table(aws.ToString(in.TableName)) {
		items = append(items, cloneItem(item))
		if in.Limit != nil && len(items) >= int(*in.Limit) {
			break
		}
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func resolveName(name string, names map[string]string) string {
	if mapped, ok := names[name]; ok {
		return mapped
	}
	return name
}

// evalCondition handles "A OR B" and "A AND B AND C" with terms:
// attribute_exists(x), attribute_not_exists(x), contains(x, :v),
// NOT contains(x, :v), x = :v, x <> :v, x >= :v.
func evalCondition(expr string, item map[string]types.AttributeValue,
	names map[string]string, values map[string]types.AttributeValue) bool {

	if or := strings.Split(expr, " OR "); len(or) > 1 {
		for _, part := range or {
			if evalCondition(strings.TrimSpace(part), item, names, values) {
				return true
			}
		}
		return false
	}
	for _, part := range strings.Split(expr, " AND ") {
		if !evalTerm(strings.TrimSpace(part), item, names, values) {
			return false
		}
	}
	return true
}

func evalTerm(term string, item map[string]types.AttributeValue,
	names map[string]string, values map[string]types.AttributeValue) bool {

	switch {
	case strings.HasPrefix(term, "attribute_not_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")"), names)
		_, ok := item[attr]
		return !ok
	case strings.HasPrefix(term, "attribute_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")"), names)
		_, ok := item[attr]
		return ok
	case strings.HasPrefix(term, "NOT "):
		return !evalTerm(strings.TrimPrefix(term, "NOT "), item, names, values)
	case strings.HasPrefix(term, "contains("):
		inner := strings.TrimSuffix(strings.TrimPrefix(term, "contains("), ")")
		parts := strings.SplitN(inner, ",", 2)
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		want := attrString(values[strings.TrimSpace(parts[1])])
		ss, ok := item[attr].(*types.AttributeValueMemberSS)
		if !ok {
			return false
		}
		for _, member := range ss.Value {
			if member == want {
				return true
			}
		}
		return false
	case strings.Contains(term, "<>"):
		parts := strings.SplitN(term, "<>", 2)
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		got, ok := item[attr]
		if !ok {
			return true
		}
		return attrString(got) != attrString(values[strings.TrimSpace(parts[1])])
	case strings.Contains(term, ">="):
		parts := strings.SplitN(term, ">=", 2)
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		got, ok := item[attr]
		if !ok {
			return false
		}
		lhs, _ := strconv.ParseFloat(attrString(got), 64)
		rhs, _ := strconv.ParseFloat(attrString(values[strings.TrimSpace(parts[1])]), 64)
		return lhs >= rhs
	case strings.Contains(term, "="):
		parts := strings.SplitN(term, "=", 2)
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		got, ok := item[attr]
		if !ok {
			return false
		}
		return attrString(got) == attrString(values[strings.TrimSpace(parts[1])])
	}
	panic("storetest: unsupported condition term " + term)
}

// applyUpdate handles "SET a = :v, b = b + :v" and "ADD counter :n, set :ss"
// expressions.
func applyUpdate(expr string, item map[string]types.AttributeValue,
	names map[string]string, values map[string]types.AttributeValue) {

	rest := expr
	for rest != "" {
		var clause string
		if i := nextClauseStart(rest); i > 0 {
			clause, rest = strings.TrimSpace(rest[:i]), rest[i:]
		} else {
			clause, rest = strings.TrimSpace(rest), ""
		}

		switch {
		case strings.HasPrefix(clause, "SET "):
			for _, assign := range strings.Split(strings.TrimPrefix(clause, "SET "), ",") {
				applySet(strings.TrimSpace(assign), item, names, values)
			}
		case strings.HasPrefix(clause, "ADD "):
			for _, add := range strings.Split(strings.TrimPrefix(clause, "ADD "), ",") {
				applyAdd(strings.TrimSpace(add), item, names, values)
			}
		default:
			panic("storetest: unsupported update clause " + clause)
		}
	}
}

func nextClauseStart(expr string) int {
	for _, kw := range []string{" SET ", " ADD ", " REMOVE "} {
		if i := strings.Index(expr[1:], kw); i >= 0 {
			return i + 1
		}
	}
	return -1
}

func applySet(assign string, item map[string]types.AttributeValue,
	names map[string]string, values map[string]types.AttributeValue) {

	parts := strings.SplitN(assign, "=", 2)
	attr := resolveName(strings.TrimSpace(parts[0]), names)
	rhs := strings.TrimSpace(parts[1])

	// "a = a + :v" arithmetic.
	if plus := strings.Split(rhs, "+"); len(plus) == 2 {
		base := 0.0
		if cur, ok := item[resolveName(strings.TrimSpace(plus[0]), names)]; ok {
			base, _ = strconv.ParseFloat(attrString(cur), 64)
		}
		delta, _ := strconv.ParseFloat(attrString(values[strings.TrimSpace(plus[1])]), 64)
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(base+delta, 'f', -1, 64)}
		return
	}
	item[attr] = values[rhs]
}

func applyAdd(add string, item map[string]types.AttributeValue,
	names map[string]string, values map[string]types.AttributeValue) {

	fields := strings.Fields(add)
	attr := resolveName(fields[0], names)
	val := values[fields[1]]

	switch v := val.(type) {
	case *types.AttributeValueMemberN:
		base := 0.0
		if cur, ok := item[attr]; ok {
			base, _ = strconv.ParseFloat(attrString(cur), 64)
		}
		delta, _ := strconv.ParseFloat(v.Value, 64)
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(base+delta, 'f', -1, 64)}
	case *types.AttributeValueMemberSS:
		existing, _ := item[attr].(*types.AttributeValueMemberSS)
		seen := map[string]bool{}
		var merged []string
		if existing != nil {
			for _, m := range existing.Value {
				seen[m] = true
				merged = append(merged, m)
			}
		}
		for _, m := range v.Value {
			if !seen[m] {
				merged = append(merged, m)
			}
		}
		item[attr] = &types.AttributeValueMemberSS{Value: merged}
	default:
		panic("storetest: unsupported ADD value type")
	}
}

package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
)

// D3Node is a node of a D3 hierarchy (treemap, sunburst, pack).
type D3Node struct {
	ID       string            `json:"id"`                 // Natural key for deals, "status:<name>" for groups
	Name     string            `json:"name"`               // Display name
	Kind     string            `json:"kind"`               // "batch", "status" or "deal"
	Group    string            `json:"group,omitempty"`    // Status, used for colouring
	Value    float64           `json:"value,omitempty"`    // Deal value; groups are summed by d3.hierarchy
	Weighted float64           `json:"weighted,omitempty"` // Value × probability
	Children []D3Node          `json:"children,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// D3Transformer converts a materialized funnel table to a D3 hierarchy:
// batch → status → deal.
type D3Transformer struct {
	// ExcludeClosed drops Closed Won / Closed Lost deals.
	ExcludeClosed bool
	// MetadataColumns are copied onto deal nodes when non-null.
	MetadataColumns []string
}

// NewD3Transformer returns a transformer carrying owner-facing columns.
func NewD3Transformer() *D3Transformer {
	return &D3Transformer{MetadataColumns: []string{"contact_name", "expected_close_date"}}
}

// Transform builds the hierarchy. Deals within a status are ordered by
// descending value, then key.
func (t *D3Transformer) Transform(tbl *table.Table) (*D3Node, error) {
	ki := tbl.ColumnIndex(table.ColumnKey)
	if ki < 0 {
		return nil, fmt.Errorf("table has no %q column", table.ColumnKey)
	}
	ci, pi := tbl.ColumnIndex("company_name"), tbl.ColumnIndex("project_name")
	vi, qi, si := tbl.ColumnIndex("value"), tbl.ColumnIndex("probability"), tbl.ColumnIndex("status")

	groups := make(map[string][]D3Node)
	for _, row := range tbl.Rows {
		status := "Unknown"
		if si >= 0 && !row[si].IsNull() {
			status = row[si].String()
		}
		if t.ExcludeClosed && strings.HasPrefix(status, "Closed") {
			continue
		}

		node := D3Node{ID: row[ki].String(), Kind: "deal", Group: status}
		node.Name = dealName(row, ci, pi, node.ID)
		if vi >= 0 && row[vi].Kind == schema.KindNumber {
			node.Value = row[vi].Num
			if qi >= 0 && row[qi].Kind == schema.KindNumber {
				node.Weighted = node.Value * row[qi].Num / 100
			}
		}
		for _, col := range t.MetadataColumns {
			if i := tbl.ColumnIndex(col); i >= 0 && !row[i].IsNull() {
				if node.Metadata == nil {
					node.Metadata = make(map[string]string)
				}
				node.Metadata[col] = row[i].String()
			}
		}
		groups[status] = append(groups[status], node)
	}

	statuses := make([]string, 0, len(groups))
	for s := range groups {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	root := &D3Node{ID: tbl.BatchID, Name: tbl.BatchID, Kind: "batch", Children: []D3Node{}}
	for _, s := range statuses {
		deals := groups[s]
		sort.SliceStable(deals, func(i, j int) bool {
			if deals[i].Value != deals[j].Value {
				return deals[i].Value > deals[j].Value
			}
			return deals[i].ID < deals[j].ID
		})
		root.Children = append(root.Children, D3Node{
			ID:       "status:" + s,
			Name:     s,
			Kind:     "status",
			Group:    s,
			Children: deals,
		})
	}
	return root, nil
}

func dealName(row []schema.Value, ci, pi int, fallback string) string {
	var parts []string
	if ci >= 0 && !row[ci].IsNull() {
		parts = append(parts, row[ci].String())
	}
	if pi >= 0 && !row[pi].IsNull() {
		parts = append(parts, row[pi].String())
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, " / ")
}

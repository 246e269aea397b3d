package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hazyhaar/volkeeper/horosafe"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/store"
)

// importFile merges the JSON policy at path (the same object the store
// persists) into st.
func importFile(st *store.Store, path string) (int, error) {
	data, err := horosafe.ReadFileLimited(path, horosafe.MaxImportSize)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	p, err := level.UnmarshalPolicy(data)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	return st.Import(p), nil
}

func renderPolicy(p level.Policy) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Identity", "Volume"})
	for _, id := range p.Keys() {
		tw.AppendRow(table.Row{id, strconv.FormatFloat(p[id].Float(), 'f', 2, 64)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	tw.AppendFooter(table.Row{"entries", len(p)})
	return tw.Render()
}

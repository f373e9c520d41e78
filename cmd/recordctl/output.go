package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

var stdout io.Writer = os.Stdout

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		printJSON(data)
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Fprintln(stdout, v)
			}
			return
		}
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(stdout, "%s=%v\n", k, data[k])
		}
	default: // table
		printTable(data)
	}
}

// printRecords lists records one per row. Record contents are never shown in the listing.
func printRecords(recs []any) {
	if outputFormat == "json" {
		printJSON(recs)
		return
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETADATA\tUPDATED\tACCESS")
	for _, r := range recs {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		acl, _ := rec["access_control"].(map[string]any)
		fmt.Fprintf(w, "%v\t%v\t%v\t%s\n", rec["id"], rec["metadata"], rec["timestamp"], formatACL(acl))
	}
	w.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

// formatACL renders an ACL as "alice=admin,bob=read" in principal order.
func formatACL(acl map[string]any) string {
	parts := make([]string, 0, len(acl))
	for _, p := range sortedKeys(acl) {
		parts = append(parts, fmt.Sprintf("%s=%v", p, acl[p]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Fprintln(stdout, msg)
}

package engine

import (
	"strconv"
	"strings"

	"github.com/metatocome/hyperflow/pkg/api"
)

// SCRIPT nodes carry a small decision language in their code attribute, one
// statement per line (or ';'-separated):
//
//	vacationDays = 3
//	approved = "yes"
//	if vacationDays > 5 return "long"
//	return "short"
//
// Statements:
//
//	name = value              assign a variable
//	return value              finish with value as the routing decision
//	if name op value return value2
//	                          conditional return; op is one of
//	                          == != > < >= <=
//
// Values are double- or single-quoted strings, numbers, true/false, or bare
// variable names. Comparison is numeric when both sides parse as numbers,
// string-wise otherwise. A script that never returns yields an empty
// decision, which routes along the default link.
func runScript(code string, kvars map[string]any) (decision string, updates map[string]any, err error) {
	updates = map[string]any{}

	// reads see assignments made earlier in the same script
	lookup := func(name string) any {
		if v, ok := updates[name]; ok {
			return v
		}
		return kvars[name]
	}

	for _, stmt := range splitStatements(code) {
		fields, ferr := scriptFields(stmt)
		if ferr != nil {
			return "", nil, ferr
		}
		switch {
		case len(fields) == 2 && fields[0] == "return":
			return scriptString(scriptValue(fields[1], lookup)), updates, nil

		case len(fields) == 3 && fields[1] == "=":
			updates[fields[0]] = scriptValue(fields[2], lookup)

		case len(fields) == 6 && fields[0] == "if" && fields[4] == "return":
			ok, cerr := scriptCompare(lookup(fields[1]), fields[2], scriptValue(fields[3], lookup))
			if cerr != nil {
				return "", nil, scriptErr(stmt, cerr.Error())
			}
			if ok {
				return scriptString(scriptValue(fields[5], lookup)), updates, nil
			}

		default:
			return "", nil, scriptErr(stmt, "unrecognized statement")
		}
	}
	return "", updates, nil
}

func scriptErr(stmt, msg string) error {
	return api.NewError(api.ErrDocParse, "script %q: %s", stmt, msg)
}

// scriptFields splits a statement on whitespace, keeping a quoted string
// (quotes included) together as one token even when it contains spaces.
func scriptFields(stmt string) ([]string, error) {
	var out []string
	var b strings.Builder
	var quote rune
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range stmt {
		switch {
		case quote != 0:
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, scriptErr(stmt, "unterminated string")
	}
	flush()
	return out, nil
}

func splitStatements(code string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(code, func(r rune) bool { return r == '\n' || r == ';' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func scriptValue(tok string, lookup func(string) any) any {
	if len(tok) >= 2 {
		if (tok[0] == '"' && tok[len(tok)-1] == '"') || (tok[0] == '\'' && tok[len(tok)-1] == '\'') {
			return tok[1 : len(tok)-1]
		}
	}
	if tok == "true" {
		return true
	}
	if tok == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return n
	}
	v := lookup(tok)
	if v == nil {
		return ""
	}
	return v
}

func scriptString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}

func scriptNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func scriptCompare(lhs any, op string, rhs any) (bool, error) {
	ln, lok := scriptNumber(lhs)
	rn, rok := scriptNumber(rhs)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case "<":
			return ln < rn, nil
		case ">=":
			return ln >= rn, nil
		case "<=":
			return ln <= rn, nil
		}
	} else {
		ls, rs := scriptString(lhs), scriptString(rhs)
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return false, api.NewError(api.ErrDocParse, "unknown operator %s", op)
}

package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is a single config validation error.
type ConfigErrorDetail struct {
	Path    string // claims.addr
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | validation_error
	Message string
	Pos     ConfigErrorPosition
	Raw     string
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type ConfigErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|invalid value`)
	reEnum       = regexp.MustCompile(`(?i)empty disjunction|must be one of|expected one of`)
)

// ConfigErrDetails splits an error returned by LoadConfig into one detail per
// offending field.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}

	type key struct {
		path string
		pos  ConfigErrorPosition
	}
	seen := make(map[key]struct{})

	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		pos := position(e)

		k := key{path: path, pos: pos}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		code, msg := classify(raw, path)
		out = append(out, ConfigErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     e.Error(),
		})
	}
	return out
}

// position prefers the user's file over the embedded schema.
func position(err cueerrors.Error) ConfigErrorPosition {
	var fallback ConfigErrorPosition
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		pos := ConfigErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
		if r.Filename() != "config.cue" {
			return pos
		}
		if fallback.Filename == "" {
			fallback = pos
		}
	}
	return fallback
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}

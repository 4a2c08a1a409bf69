// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"bytes"
	"fmt"

	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// renderPreview converts markdown (a task goal or patch summary) to
// plain text an approver can read on a terminal or in a chat message,
// by walking the parsed AST and concatenating every text node.
func renderPreview(markdown string) (string, error) {
	source := []byte(markdown)
	root := goldmark.New().Parser().Parse(text.NewReader(source))

	var buffer bytes.Buffer
	err := gast.Walk(root, func(node gast.Node, entering bool) (gast.WalkStatus, error) {
		if !entering {
			switch node.Kind() {
			case gast.KindParagraph, gast.KindHeading, gast.KindListItem:
				buffer.WriteByte('\n')
			case gast.KindCodeSpan:
				buffer.WriteByte('`')
			}
			return gast.WalkContinue, nil
		}

		switch typed := node.(type) {
		case *gast.Text:
			buffer.Write(typed.Segment.Value(source))
		case *gast.String:
			buffer.Write(typed.Value)
		case *gast.CodeSpan:
			buffer.WriteByte('`')
		}
		return gast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("approval: rendering preview: %w", err)
	}

	return string(bytes.TrimSpace(buffer.Bytes())), nil
}

// highlightDiff renders diffText as ANSI-highlighted text for
// terminal preview consumers. The wire payload carries both this and
// the raw diff; a client that can't render ANSI just uses the raw
// field.
func highlightDiff(diffText string) (string, error) {
	lexer := lexers.Get("diff")
	if lexer == nil {
		lexer = lexers.Fallback
	}

	iterator, err := lexer.Tokenise(nil, diffText)
	if err != nil {
		return "", fmt.Errorf("approval: tokenising diff: %w", err)
	}

	formatter := formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}

	var buffer bytes.Buffer
	if err := formatter.Format(&buffer, style, iterator); err != nil {
		return "", fmt.Errorf("approval: formatting diff: %w", err)
	}
	return buffer.String(), nil
}

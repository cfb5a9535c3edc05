package lsp

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	lsp "github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/diag"
	"src.rsh.sh/pkg/parse"
)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
)

type server struct {
	resolver *command.Resolver
	content  map[lsp.DocumentURI]string
}

func newServer(r *command.Resolver) *server {
	return &server{r, make(map[lsp.DocumentURI]string)}
}

func handler(s *server) jsonrpc2.Handler {
	return routingHandler(map[string]method{
		"initialize":              s.initialize,
		"textDocument/didOpen":    s.didOpen,
		"textDocument/didChange":  s.didChange,
		"textDocument/hover":      s.hover,
		"textDocument/completion": s.completion,

		"textDocument/didClose": s.didClose,
		// Required by the protocol.
		"initialized": noop,
		// Called by clients even when server doesn't advertise support:
		// https://microsoft.github.io/language-server-protocol/specification#workspace_didChangeWatchedFiles
		"workspace/didChangeWatchedFiles": noop,
	})
}

type method func(context.Context, jsonrpc2.JSONRPC2, json.RawMessage) (any, error)

func noop(_ context.Context, _ jsonrpc2.JSONRPC2, _ json.RawMessage) (any, error) {
	return nil, nil
}

func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		return fn(ctx, conn, params)
	})
}

// Handler implementations. These are all called synchronously.

func (s *server) initialize(_ context.Context, _ jsonrpc2.JSONRPC2, _ json.RawMessage) (any, error) {
	return &lsp.InitializeResult{
		Capabilities: lsp.ServerCapabilities{
			TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
				Options: &lsp.TextDocumentSyncOptions{
					OpenClose: true,
					Change:    lsp.TDSKFull,
				},
			},
			CompletionProvider: &lsp.CompletionOptions{TriggerCharacters: []string{"."}},
			HoverProvider:      true,
		},
	}, nil
}

func (s *server) didOpen(ctx context.Context, conn jsonrpc2.JSONRPC2, rawParams json.RawMessage) (any, error) {
	var params lsp.DidOpenTextDocumentParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}

	uri, content := params.TextDocument.URI, params.TextDocument.Text
	s.content[uri] = content
	go publishDiagnostics(ctx, conn, uri, content)
	return nil, nil
}

func (s *server) didChange(ctx context.Context, conn jsonrpc2.JSONRPC2, rawParams json.RawMessage) (any, error) {
	var params lsp.DidChangeTextDocumentParams
	if json.Unmarshal(rawParams, &params) != nil || len(params.ContentChanges) == 0 {
		return nil, errInvalidParams
	}

	// ContentChanges includes full text since the server is only advertised to
	// support that; see the initialize method.
	uri, content := params.TextDocument.URI, params.ContentChanges[0].Text
	s.content[uri] = content
	go publishDiagnostics(ctx, conn, uri, content)
	return nil, nil
}

func (s *server) didClose(_ context.Context, _ jsonrpc2.JSONRPC2, rawParams json.RawMessage) (any, error) {
	var params lsp.DidCloseTextDocumentParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	delete(s.content, params.TextDocument.URI)
	return nil, nil
}

func (s *server) hover(_ context.Context, _ jsonrpc2.JSONRPC2, rawParams json.RawMessage) (any, error) {
	var params lsp.TextDocumentPositionParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}

	content := s.content[params.TextDocument.URI]
	idx := lspPositionToIdx(content, params.Position)
	from, line := lineAt(content, idx)
	chunk, err := parse.Parse(string(params.TextDocument.URI), line)
	if err != nil {
		return lsp.Hover{}, nil
	}
	for _, form := range chunk.Forms {
		head := form.Head
		if head == nil || idx-from < head.From || idx-from > head.To {
			continue
		}
		desc, err := s.resolver.Description(head.Name())
		if err != nil || desc == "" {
			break
		}
		rg := lspRangeFromRange(content, diag.Ranging{From: from + head.From, To: from + head.To})
		return lsp.Hover{
			Contents: []lsp.MarkedString{lsp.RawMarkedString(desc)},
			Range:    &rg,
		}, nil
	}
	return lsp.Hover{}, nil
}

func (s *server) completion(_ context.Context, _ jsonrpc2.JSONRPC2, rawParams json.RawMessage) (any, error) {
	var params lsp.CompletionParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}

	content := s.content[params.TextDocument.URI]
	dot := lspPositionToIdx(content, params.Position)
	from, seed, ok := headSeed(content, dot)
	if !ok {
		return []lsp.CompletionItem{}, nil
	}

	lspRange := lspRangeFromRange(content, diag.Ranging{From: from, To: dot})
	lspItems := []lsp.CompletionItem{}
	for _, name := range s.candidates(seed) {
		lspItems = append(lspItems, lsp.CompletionItem{
			Label: name,
			Kind:  lsp.CIKFunction,
			TextEdit: &lsp.TextEdit{
				Range:   lspRange,
				NewText: name,
			},
		})
	}
	return lspItems, nil
}

// Returns the command names, or the sub-commands of a command if seed
// contains a dot, that start with seed.
func (s *server) candidates(seed string) []string {
	var names []string
	if cmdName, _, ok := strings.Cut(seed, "."); ok {
		cmd, err := s.resolver.Command(cmdName)
		if err != nil || cmd == nil {
			return nil
		}
		lister, ok := cmd.(interface{ Functions() []string })
		if !ok {
			return nil
		}
		for _, fn := range lister.Functions() {
			if fn != "main" {
				names = append(names, cmdName+"."+fn)
			}
		}
	} else {
		var err error
		names, err = s.resolver.Names()
		if err != nil {
			return nil
		}
	}
	return slices.DeleteFunc(names, func(name string) bool {
		return !strings.HasPrefix(name, seed)
	})
}

// Finds the partial command name that ends at dot. It is only found in the
// head position of a form: at the start of a line or after a pipe.
func headSeed(content string, dot int) (from int, seed string, ok bool) {
	from = dot
	for from > 0 && isHeadChar(content[from-1]) {
		from--
	}
	before := strings.TrimRight(content[:from], " \t")
	if before != "" && !strings.HasSuffix(before, "\n") && !strings.HasSuffix(before, "|") {
		return 0, "", false
	}
	return from, content[from:dot], true
}

func isHeadChar(b byte) bool {
	return b == '.' || b == '-' || b == '_' || b == '/' ||
		'0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}

// Returns the line containing idx and the index where it starts.
func lineAt(content string, idx int) (int, string) {
	from := strings.LastIndexByte(content[:idx], '\n') + 1
	to := len(content)
	if i := strings.IndexByte(content[idx:], '\n'); i >= 0 {
		to = idx + i
	}
	return from, strings.TrimSuffix(content[from:to], "\r")
}

func publishDiagnostics(ctx context.Context, conn jsonrpc2.JSONRPC2, uri lsp.DocumentURI, content string) {
	conn.Notify(ctx, "textDocument/publishDiagnostics",
		lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: diagnostics(uri, content)})
}

func diagnostics(uri lsp.DocumentURI, content string) []lsp.Diagnostic {
	diags := []lsp.Diagnostic{}
	from := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		request := strings.TrimRight(line, "\r\n")
		_, err := parse.Parse(string(uri), request)
		if perr, ok := err.(*parse.Error); ok {
			for _, entry := range perr.Entries {
				rg := entry.Range()
				diags = append(diags, lsp.Diagnostic{
					Range: lspRangeFromRange(content,
						diag.Ranging{From: from + rg.From, To: from + rg.To}),
					Severity: lsp.Error,
					Source:   "parse",
					Message:  entry.Message,
				})
			}
		}
		from += len(line)
	}
	return diags
}

func lspRangeFromRange(s string, r diag.Ranger) lsp.Range {
	rg := r.Range()
	return lsp.Range{
		Start: lspPositionFromIdx(s, rg.From),
		End:   lspPositionFromIdx(s, rg.To),
	}
}

func lspPositionToIdx(s string, pos lsp.Position) int {
	var idx int
	walkString(s, func(i int, p lsp.Position) bool {
		idx = i
		return p.Line < pos.Line || (p.Line == pos.Line && p.Character < pos.Character)
	})
	return idx
}

func lspPositionFromIdx(s string, idx int) lsp.Position {
	var pos lsp.Position
	walkString(s, func(i int, p lsp.Position) bool {
		pos = p
		return i < idx
	})
	return pos
}

// Generates (index, lspPosition) pairs in s, stopping if f returns false.
func walkString(s string, f func(i int, p lsp.Position) bool) {
	var p lsp.Position
	lastCR := false

	for i, r := range s {
		if !f(i, p) {
			return
		}
		switch {
		case r == '\r':
			p.Line++
			p.Character = 0
		case r == '\n':
			if lastCR {
				// Ignore \n if it's part of a \r\n sequence
			} else {
				p.Line++
				p.Character = 0
			}
		case r <= 0xFFFF:
			// Encoded in UTF-16 with one unit
			p.Character++
		default:
			// Encoded in UTF-16 with two units
			p.Character += 2
		}
		lastCR = r == '\r'
	}
	f(len(s), p)
}

package lsp

import (
	"encoding/json"
	"strings"
)

// LSP method names used by the typed surface. Payload semantics are not
// interpreted here; the connection only transports them.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"

	MethodDidOpen   = "textDocument/didOpen"
	MethodDidChange = "textDocument/didChange"
	MethodWillSave  = "textDocument/willSave"
	MethodDidSave   = "textDocument/didSave"
	MethodDidClose  = "textDocument/didClose"

	MethodDidChangeWatchedFiles = "workspace/didChangeWatchedFiles"

	MethodCompletion     = "textDocument/completion"
	MethodHover          = "textDocument/hover"
	MethodDefinition     = "textDocument/definition"
	MethodReferences     = "textDocument/references"
	MethodDocumentSymbol = "textDocument/documentSymbol"
	MethodCodeAction     = "textDocument/codeAction"
	MethodFormatting     = "textDocument/formatting"
	MethodRename         = "textDocument/rename"
	MethodSignatureHelp  = "textDocument/signatureHelp"
)

// DocumentURI identifies a text document.
type DocumentURI string

// FilePathToURI converts an absolute file path to a file: URI.
func FilePathToURI(path string) DocumentURI {
	return DocumentURI("file://" + path)
}

// URIToFilePath converts a file: URI back to a file path.
func URIToFilePath(uri DocumentURI) string {
	return strings.TrimPrefix(string(uri), "file://")
}

// Position is a zero-based line/character offset in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier identifies a document by URI.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific document version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is the full description of an opened document.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentPositionParams is the common request payload for
// position-based operations.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// TextDocumentContentChangeEvent describes a document change. A nil Range
// means full-content replacement.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidOpenTextDocumentParams is the payload for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams is the payload for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// WillSaveTextDocumentParams is the payload for textDocument/willSave.
type WillSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Reason       int                    `json:"reason"`
}

// DidSaveTextDocumentParams is the payload for textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// DidCloseTextDocumentParams is the payload for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// FileChangeType enumerates watched-file change kinds on the wire.
type FileChangeType int

const (
	// FileCreated indicates the file was created.
	FileCreated FileChangeType = 1
	// FileChanged indicates the file was modified.
	FileChanged FileChangeType = 2
	// FileDeleted indicates the file was deleted.
	FileDeleted FileChangeType = 3
)

// FileEvent is a single watched-file change record.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams is the payload for
// workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// ReferenceParams is the payload for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls reference inclusion.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// RenameParams is the payload for textDocument/rename.
type RenameParams struct {
	TextDocumentPositionParams
	NewName string `json:"newName"`
}

// CodeActionParams is the payload for textDocument/codeAction.
type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

// CodeActionContext carries the diagnostics for the requested range as
// opaque payloads.
type CodeActionContext struct {
	Diagnostics []json.RawMessage `json:"diagnostics"`
}

// FormattingOptions controls document formatting.
type FormattingOptions struct {
	TabSize      int  `json:"tabSize"`
	InsertSpaces bool `json:"insertSpaces"`
}

// DocumentFormattingParams is the payload for textDocument/formatting.
type DocumentFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}

// DocumentSymbolParams is the payload for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// InitializeParams is the payload for the initialize request.
type InitializeParams struct {
	ProcessID             int             `json:"processId"`
	RootPath              string          `json:"rootPath,omitempty"`
	RootURI               DocumentURI     `json:"rootUri,omitempty"`
	Capabilities          json.RawMessage `json:"capabilities"`
	InitializationOptions any             `json:"initializationOptions,omitempty"`
}

// InitializeResult is the response to the initialize request. The
// capability set is cached on the ServerInstance and immutable thereafter.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams is the payload for the initialized notification.
type InitializedParams struct{}

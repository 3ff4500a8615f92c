package textrepo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ImportRequest describes contents to import for the file of a given type
// owned by the document with an external id
type ImportRequest struct {
	ExternalID       string
	TypeName         string
	Filename         string
	Contents         []byte
	AllowNewDocument bool
}

// ImportResult holds the entities the import resolved or created
type ImportResult struct {
	Document       *Document `json:"document"`
	File           *File     `json:"file"`
	Version        *Version  `json:"version"`
	VersionCreated bool      `json:"versionCreated"`
}

// importState is shared by the steps of one import run. Each step reads what
// earlier steps resolved and fills in its own field.
type importState struct {
	req      ImportRequest
	fileType *FileType
	doc      *Document
	file     *File
	version  *Version
	created  bool
}

type importStep struct {
	name string
	run  func(ctx context.Context, st *importState) error
}

// ImportPipeline runs an ordered list of idempotent steps. Running it twice
// with the same request resolves the same document, file and version.
type ImportPipeline struct {
	types    *TypeResolver
	files    *FileRegistry
	versions *VersionStore
	logger   *slog.Logger
	steps    []importStep
}

// NewImportPipeline wires the import steps to the given components
func NewImportPipeline(types *TypeResolver, files *FileRegistry, versions *VersionStore, logger *slog.Logger) *ImportPipeline {
	p := &ImportPipeline{
		types:    types,
		files:    files,
		versions: versions,
		logger:   logger,
	}
	p.steps = []importStep{
		{name: "resolve_type", run: p.resolveType},
		{name: "get_or_create_document", run: p.getOrCreateDocument},
		{name: "get_or_create_file", run: p.getOrCreateFile},
		{name: "update_filename", run: p.updateFilename},
		{name: "get_or_create_version", run: p.getOrCreateVersion},
	}
	return p
}

// Run executes every step in order and stops at the first failure
func (p *ImportPipeline) Run(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if strings.TrimSpace(req.ExternalID) == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrBadInput)
	}
	if req.Contents == nil {
		return nil, fmt.Errorf("%w: contents are required", ErrBadInput)
	}

	st := &importState{req: req}
	for _, step := range p.steps {
		if err := step.run(ctx, st); err != nil {
			return nil, fmt.Errorf("import %s/%s failed at %s: %w", req.ExternalID, req.TypeName, step.name, err)
		}
	}

	p.logger.Debug("Imported document contents",
		"external_id", req.ExternalID, "type", req.TypeName,
		"file_id", st.file.ID, "version_id", st.version.ID, "version_created", st.created)

	return &ImportResult{
		Document:       st.doc,
		File:           st.file,
		Version:        st.version,
		VersionCreated: st.created,
	}, nil
}

func (p *ImportPipeline) resolveType(ctx context.Context, st *importState) error {
	t, err := p.types.ResolveName(ctx, st.req.TypeName)
	if err != nil {
		return err
	}
	st.fileType = t
	return nil
}

func (p *ImportPipeline) getOrCreateDocument(ctx context.Context, st *importState) error {
	doc, err := p.files.GetOrCreateDocument(ctx, st.req.ExternalID, st.req.AllowNewDocument)
	if err != nil {
		return err
	}
	st.doc = doc
	return nil
}

func (p *ImportPipeline) getOrCreateFile(ctx context.Context, st *importState) error {
	file, err := p.files.GetOrCreateFile(ctx, st.doc, st.fileType.ID)
	if err != nil {
		return err
	}
	st.file = file
	return nil
}

func (p *ImportPipeline) updateFilename(ctx context.Context, st *importState) error {
	if st.req.Filename == "" {
		return nil
	}
	return p.files.SetMetadata(ctx, st.file.ID, FilenameKey, st.req.Filename)
}

func (p *ImportPipeline) getOrCreateVersion(ctx context.Context, st *importState) error {
	version, created, err := p.versions.GetOrCreate(ctx, st.file, st.req.Contents)
	if err != nil {
		return err
	}
	st.version = version
	st.created = created
	return nil
}

package guard

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"log"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
)

var astFileLock = newDefaultStripedMutex()

// Instrumenter parses Go source files, applies the planner to every type they declare,
// and writes the instrumented sources back once committed.
type Instrumenter struct {
	policy      Policy
	callPath    CallPath
	storage     Storage
	fileNodeMap sync.Map
	commitLock  sync.Mutex
	pending     map[string]*pendingFile
}

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
	src  []byte
}

type pendingFile struct {
	parsed  *parsedFile
	methods []string
}

// FileResult summarizes the decisions made for one source file.
type FileResult struct {
	Path    string `json:"path"`
	Package string `json:"package"`
	// Types lists the struct types with declarations in the file.
	Types []string `json:"types,omitempty"`
	// Instrumented lists the updated declarations as Type.Method.
	Instrumented []string `json:"instrumented,omitempty"`
	// Skipped counts untouched declarations by reason.
	Skipped map[string]int `json:"skipped,omitempty"`
}

// NewInstrumenter creates an Instrumenter. Original sources are saved to storage before the first write.
func NewInstrumenter(policy Policy, callPath CallPath, storage Storage) *Instrumenter {
	return &Instrumenter{
		policy:   policy,
		callPath: callPath,
		storage:  storage,
		pending:  make(map[string]*pendingFile),
	}
}

// loadParsedFile provides the currently parsed file.
// The file lock must be held before invoking, and until changes to the file node are done.
func (m *Instrumenter) loadParsedFile(path string) (*parsedFile, error) {
	if pf, ok := m.fileNodeMap.Load(path); ok {
		return pf.(*parsedFile), nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failure %s: %w", path, err)
	}
	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("ast parse failure %s: %w", path, err)
	}
	pf := &parsedFile{fset: fset, file: fileNode, src: src}
	m.fileNodeMap.Store(path, pf)
	return pf, nil
}

// InstrumentPackage instruments the files of one package, resolving types across all of them.
// Generated files are indexed for type shapes but never modified.
func (m *Instrumenter) InstrumentPackage(pkgPath string, files []string) ([]FileResult, error) {
	parsed := make(map[string]*ast.File, len(files))
	for _, path := range files {
		lock := astFileLock.Lock(path)
		pf, err := m.loadParsedFile(path)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		parsed[path] = pf.file
	}
	index := IndexTypes(bulk.MapValuesSlice(parsed)...)

	editable := bulk.SliceFilter(func(path string) bool {
		return !IsGeneratedFile(path) && !ast.IsGenerated(parsed[path])
	}, files)
	results := make([]FileResult, 0, len(editable))
	for _, path := range editable {
		result, err := m.InstrumentFile(path, pkgPath, index)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// InstrumentFile plans and applies the check call for every type with declarations in the file.
// The index resolves types declared in sibling files and may be nil.
func (m *Instrumenter) InstrumentFile(path, pkgPath string, index TypeIndex) (FileResult, error) {
	lock := astFileLock.Lock(path)
	defer lock.Unlock()

	result := FileResult{Path: path, Package: pkgPath, Skipped: make(map[string]int)}
	pf, err := m.loadParsedFile(path)
	if err != nil {
		return result, err
	}

	checks := NewCheckMatcher(pf.file, pkgPath, m.callPath)
	factory := NewGoCallFactory(pf.fset, pf.file, pkgPath, m.callPath)
	var methods []string
	for _, class := range ExtractClasses(pf.file, index, checks) {
		if class.Kind == KindClass {
			result.Types = append(result.Types, class.Name)
		}
		res, err := Transform(class, m.policy, factory)
		if err != nil {
			if IsNormalAstError(err) {
				log.Printf("WARN: skipping %s: %v", path, err)
				continue
			}
			return result, fmt.Errorf("instrument failure %s: %w", path, err)
		}
		for _, o := range res.Outcomes {
			if o.Reason == SkipNone {
				methods = append(methods, class.Name+"."+o.Method.Name)
			} else {
				result.Skipped[o.Reason.String()]++
			}
		}
		if res.Changed {
			if _, err := ApplyClass(pf.fset, pf.file, class); err != nil {
				return result, fmt.Errorf("ast rewrite failure %s: %w", path, err)
			}
		}
	}
	result.Instrumented = methods

	if len(methods) > 0 {
		m.commitLock.Lock()
		defer m.commitLock.Unlock()
		if p, ok := m.pending[path]; ok {
			p.methods = append(p.methods, methods...)
		} else {
			m.pending[path] = &pendingFile{parsed: pf, methods: methods}
		}
	}
	return result, nil
}

// Pending returns the sorted paths of files with uncommitted edits.
func (m *Instrumenter) Pending() []string {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	paths := bulk.MapKeysSlice(m.pending)
	slices.Sort(paths)
	return paths
}

// Render returns the original and the instrumented source of a pending file.
func (m *Instrumenter) Render(path string) ([]byte, []byte, error) {
	m.commitLock.Lock()
	p, ok := m.pending[path]
	m.commitLock.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no pending edits for %s", path)
	}
	var buf bytes.Buffer
	if err := formatFile(&buf, p.parsed); err != nil {
		return nil, nil, err
	}
	return p.parsed.src, buf.Bytes(), nil
}

func formatFile(buf *bytes.Buffer, pf *parsedFile) error {
	buf.Reset()
	if err := format.Node(buf, pf.fset, pf.file); err != nil {
		return fmt.Errorf("ast format failure %s: %w", pf.fset.File(pf.file.Pos()).Name(), err)
	}
	return nil
}

// Commit backs up and rewrites every pending file.
func (m *Instrumenter) Commit() error {
	writeCount := runtime.NumCPU()
	bufChan := make(chan *bytes.Buffer, writeCount)
	for i := 0; i < writeCount; i++ {
		bufChan <- bytes.NewBuffer(nil)
	}
	errGroup := ErrGroupLimitCPU()
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	for path, p := range m.pending {
		buf := <-bufChan
		errGroup.Go(func() error {
			defer func() {
				bufChan <- buf
			}()
			return m.commitFile(buf, path, p)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	clear(m.pending)
	m.fileNodeMap.Clear()
	return nil
}

func (m *Instrumenter) commitFile(buf *bytes.Buffer, path string, p *pendingFile) error {
	lock := astFileLock.Lock(path)
	defer lock.Unlock()

	if err := formatFile(buf, p.parsed); err != nil {
		return err
	} else if err := m.backupOrigFile(path, p); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("ast write failure %s: %w", path, err)
	}
	return nil
}

// backupOrigFile stores the original source unless a backup from an earlier run already exists.
func (m *Instrumenter) backupOrigFile(path string, p *pendingFile) error {
	if m.storage == nil {
		return nil
	} else if _, exists, err := m.storage.LoadState(path); err != nil {
		return fmt.Errorf("backup lookup failure %s: %w", path, err)
	} else if exists {
		return nil
	}
	blob, err := MarshalBackup(NewFileBackup(path, p.parsed.src, p.methods))
	if err != nil {
		return fmt.Errorf("backup encode failure %s: %w", path, err)
	} else if err := m.storage.SaveState(path, blob); err != nil {
		return fmt.Errorf("backup failure %s: %w", path, err)
	}
	return nil
}

// Restore writes every backed up source back to disk and removes the backups.
// It returns the restored paths; failing files keep their backup.
func (m *Instrumenter) Restore() ([]string, error) {
	if m.storage == nil {
		return nil, nil
	}
	keys, err := m.storage.ListKeys()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	var restored []string
	var errs []error
	for _, key := range keys {
		if err := m.restoreFile(key); err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, key)
	}
	m.fileNodeMap.Clear()
	return restored, errors.Join(errs...)
}

func (m *Instrumenter) restoreFile(key string) error {
	lock := astFileLock.Lock(key)
	defer lock.Unlock()

	blob, ok, err := m.storage.LoadState(key)
	if err != nil {
		return fmt.Errorf("backup load failure %s: %w", key, err)
	} else if !ok {
		return nil
	}
	backup, err := UnmarshalBackup(blob)
	if err != nil {
		return fmt.Errorf("backup decode failure %s: %w", key, err)
	}
	src, err := backup.Original()
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(backup.Path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(backup.Path, src, mode); err != nil {
		return fmt.Errorf("restore write failure %s: %w", backup.Path, err)
	}
	return m.storage.DeleteState(key)
}

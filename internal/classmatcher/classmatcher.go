// Package classmatcher finds compiled classes on disk whose dotted names match ant style wildcard patterns. It is
// used at catalog load to discover the procedure classes a deployment names.
package classmatcher

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const classSuffix = ".class"

// Matcher accumulates the classes matching every pattern added. Only class files in directories under the roots
// are considered; archives are ignored. Not safe for concurrent use.
type Matcher struct {
	roots []string
	// classes is every class found under the roots, loaded on first use.
	classes []string
	loaded  bool
	matches map[string]struct{}
	logger  *zap.SugaredLogger
}

// New returns a matcher over the directories in roots. A nil logger disables logging.
func New(logger *zap.Logger, roots ...string) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		roots:   roots,
		matches: map[string]struct{}{},
		logger:  logger.Sugar().Named("classmatcher"),
	}
}

// AddPattern adds the classes matching pattern to the matched set. A pattern is a dotted class name such as
// "org.voltdb.Foo" which may contain "**" (one or more name characters including dots, so it spans packages) and
// "*" (one or more name characters within a package). Anything from a '$' on is ignored; nested classes are never
// matched themselves, their enclosing class is.
func (m *Matcher) AddPattern(pattern string) error {

	if !m.loaded {
		classes, err := scanRoots(m.roots)
		if err != nil {
			return err
		}
		m.classes = classes
		m.loaded = true
		m.logger.Debugw("class matcher, scanned roots", "roots", m.roots, "classes", len(m.classes))
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return err
	}

	added := 0
	for _, class := range m.classes {
		if strings.Contains(class, "$") || !re.MatchString(class) {
			continue
		}
		if _, ok := m.matches[class]; !ok {
			m.matches[class] = struct{}{}
			added++
		}
	}

	m.logger.Debugw("class matcher, added pattern", "pattern", pattern, "regexp", re.String(), "added", added)
	return nil
}

// MatchedClassList returns the matched classes in lexicographical order.
func (m *Matcher) MatchedClassList() []string {
	list := make([]string, 0, len(m.matches))
	for class := range m.matches {
		list = append(list, class)
	}
	sort.Strings(list)
	return list
}

// Clear releases the scanned class list and the matches. Patterns added after Clear match nothing.
func (m *Matcher) Clear() {
	m.classes = nil
	m.loaded = true
	m.matches = map[string]struct{}{}
}

// compilePattern translates a class name pattern into an anchored regular expression.
func compilePattern(pattern string) (*regexp.Regexp, error) {

	prepped := strings.TrimSpace(pattern)
	if i := strings.IndexByte(prepped, '$'); i >= 0 {
		prepped = prepped[:i]
	}

	var expr strings.Builder
	expr.WriteString("^")
	for i, spanning := range strings.Split(prepped, "**") {
		if i > 0 {
			expr.WriteString(`[\w.$]+`)
		}
		for j, literal := range strings.Split(spanning, "*") {
			if j > 0 {
				expr.WriteString(`[\w$]+`)
			}
			expr.WriteString(regexp.QuoteMeta(literal))
		}
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "class matcher: compile pattern '%s'", pattern)
	}
	return re, nil
}

// scanRoots returns the dotted names of every class file under the root directories, sorted and without
// duplicates. Roots which are not directories (archives, missing paths) are skipped.
func scanRoots(roots []string) ([]string, error) {

	found := map[string]struct{}{}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}

		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), classSuffix) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.ToSlash(rel), classSuffix)
			found[strings.Replace(name, "/", ".", -1)] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "class matcher: scan '%s'", root)
		}
	}

	classes := make([]string, 0, len(found))
	for class := range found {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes, nil
}

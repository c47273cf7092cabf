package tool

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/qbit-ai/qbit/internal/logging"
)

// Skill is one reusable prompt snippet loaded from a SKILL.md file:
// a header naming it and declaring trigger patterns, then a body that is
// inlined verbatim into the system prompt when a trigger matches the
// user's request. Skills shape the prompt only; they never register
// tools.
type Skill struct {
	Name        string
	Description string
	Triggers    []string
	Body        string
}

// SkillLibrary is the live-reloaded set of skills under a workspace's
// .qbit/skills directory. An fsnotify watch on that directory (not on its
// subdirectories) reloads the library when a top-level .md file or a
// skill directory is added, changed or removed; an edit to a SKILL.md
// inside an existing skill directory is not picked up until a reload.
type SkillLibrary struct {
	mu      sync.RWMutex
	dir     string
	skills  map[string]Skill
	watcher *fsnotify.Watcher
}

// SkillsDir returns the skills directory for a workspace.
func SkillsDir(workspace string) string {
	return filepath.Join(workspace, ".qbit", "skills")
}

// NewSkillLibrary loads the workspace's skills and starts the reload
// watch. A missing directory yields an empty, still-usable library.
func NewSkillLibrary(workspace string) *SkillLibrary {
	lib := &SkillLibrary{
		dir:    SkillsDir(workspace),
		skills: make(map[string]Skill),
	}
	lib.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Msg("skills: watch unavailable, edits need a restart")
		return lib
	}
	if err := watcher.Add(lib.dir); err != nil {
		// Directory may not exist yet; the library stays static.
		watcher.Close()
		return lib
	}
	lib.watcher = watcher
	go lib.watchLoop()
	return lib
}

func (l *SkillLibrary) watchLoop() {
	for {
		select {
		case _, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.reload()
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the reload watch.
func (l *SkillLibrary) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// reload re-reads every skill file under the directory.
func (l *SkillLibrary) reload() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}

	loaded := make(map[string]Skill)
	for _, entry := range entries {
		var path string
		switch {
		case entry.IsDir():
			path = filepath.Join(l.dir, entry.Name(), "SKILL.md")
		case strings.HasSuffix(entry.Name(), ".md"):
			path = filepath.Join(l.dir, entry.Name())
		default:
			continue
		}
		skill, err := parseSkillFile(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("skills: unparseable skill file, skipped")
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
}

// parseSkillFile reads one skill file: "key: value" header lines (name,
// description, triggers) up to the first blank line, body after it.
func parseSkillFile(path string) (Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return Skill{}, err
	}
	defer f.Close()

	skill := Skill{Name: filepath.Base(filepath.Dir(path))}
	var body strings.Builder
	inBody := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if inBody {
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		if strings.TrimSpace(line) == "" {
			inBody = true
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// No header at all: the whole file is body.
			inBody = true
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			skill.Name = value
		case "description":
			skill.Description = value
		case "triggers":
			for _, trigger := range strings.Split(value, ",") {
				if t := strings.TrimSpace(trigger); t != "" {
					skill.Triggers = append(skill.Triggers, t)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Skill{}, err
	}

	skill.Body = strings.TrimSpace(body.String())
	return skill, nil
}

// All returns every loaded skill, for the "available skills" summary.
func (l *SkillLibrary) All() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	return out
}

// Match returns the skills whose triggers match the user's request. A
// trigger is either a plain keyword (case-insensitive substring) or a
// glob pattern matched against each whitespace-separated token, so
// "**/*.sql" fires on a request mentioning migrations/001_init.sql.
func (l *SkillLibrary) Match(input string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lowered := strings.ToLower(input)
	tokens := strings.Fields(input)

	var matched []Skill
	for _, skill := range l.skills {
		for _, trigger := range skill.Triggers {
			if triggerMatches(trigger, lowered, tokens) {
				matched = append(matched, skill)
				break
			}
		}
	}
	return matched
}

func triggerMatches(trigger, loweredInput string, tokens []string) bool {
	if strings.ContainsAny(trigger, "*?[") {
		for _, token := range tokens {
			if ok, err := doublestar.Match(trigger, token); err == nil && ok {
				return true
			}
		}
		return false
	}
	return strings.Contains(loweredInput, strings.ToLower(trigger))
}

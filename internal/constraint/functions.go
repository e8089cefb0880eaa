package constraint

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/autotag/internal/tag"
)

type function struct {
	name      string
	arity     int
	readsTags bool
	eval      func(env *Env, args []*arg) (bool, error)
}

var functions = map[string]*function{}

func register(name string, arity int, eval func(env *Env, args []*arg) (bool, error)) *function {
	fn := &function{name: name, arity: arity, eval: eval}
	functions[strings.ToLower(name)] = fn
	return fn
}

func state(pred func(r tag.Resource) bool) func(env *Env, args []*arg) (bool, error) {
	return func(env *Env, _ []*arg) (bool, error) {
		return pred(env.Resource), nil
	}
}

func compare(cmp func(a, b float64) bool) func(env *Env, args []*arg) (bool, error) {
	return func(env *Env, args []*arg) (bool, error) {
		a, err := numberOf(env, args[0])
		if err != nil {
			return false, err
		}
		b, err := numberOf(env, args[1])
		if err != nil {
			return false, err
		}
		return cmp(a, b), nil
	}
}

func init() {
	register("hasTag", 1, evalHasTag).readsTags = true
	register("hasNet", 1, evalHasNet)

	register("isPrivate", 0, state(tag.Resource.IsPrivate))
	register("isForceStart", 0, state(tag.Resource.IsForceStart))
	register("isChecking", 0, state(func(r tag.Resource) bool { return r.State() == tag.StateChecking }))
	register("isComplete", 0, state(tag.Resource.IsDownloadComplete))
	register("isStopped", 0, state(func(r tag.Resource) bool { return r.State() == tag.StateStopped }))
	register("isError", 0, state(func(r tag.Resource) bool { return r.State() == tag.StateError }))
	register("isPaused", 0, state(tag.IsPaused))
	register("isMagnet", 0, state(tag.Resource.IsMetadataOnly))
	register("isLowNoise", 0, state(tag.Resource.IsLowNoise))
	register("canArchive", 0, state(tag.Resource.CanArchive))

	register("isGE", 2, compare(func(a, b float64) bool { return a >= b }))
	register("isGT", 2, compare(func(a, b float64) bool { return a > b }))
	register("isLE", 2, compare(func(a, b float64) bool { return a <= b }))
	register("isLT", 2, compare(func(a, b float64) bool { return a < b }))
	register("isEQ", 2, compare(func(a, b float64) bool { return a == b }))
	register("isNEQ", 2, compare(func(a, b float64) bool { return a != b }))

	register("contains", 2, evalContains)
	register("matches", 2, evalMatches)
	register("javascript", 1, evalScript)
}

// Functions returns the names of every supported function, sorted.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for _, fn := range functions {
		names = append(names, fn.name)
	}
	sort.Strings(names)
	return names
}

func evalHasTag(env *Env, args []*arg) (bool, error) {
	want, err := foldedOf(env, args[0])
	if err != nil {
		return false, err
	}
	for _, name := range env.Tags {
		if tag.NormalizeName(name) == strings.TrimSpace(want) {
			return true, nil
		}
	}
	return false, nil
}

func evalHasNet(env *Env, args []*arg) (bool, error) {
	want, err := foldedOf(env, args[0])
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(env.Resource.Networks(), func(n string) bool {
		return tag.Fold(n) == want
	}), nil
}

func evalContains(env *Env, args []*arg) (bool, error) {
	haystack, err := foldedOf(env, args[0])
	if err != nil {
		return false, err
	}
	needle, err := foldedOf(env, args[1])
	if err != nil {
		return false, err
	}
	return strings.Contains(haystack, needle), nil
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func compileRegexp(pattern string) (*regexpMatcher, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return &regexpMatcher{re: re}, nil
}

func evalMatches(env *Env, args []*arg) (bool, error) {
	subject, err := stringOf(env, args[0])
	if err != nil {
		return false, err
	}

	pat := args[1]
	var m *regexpMatcher
	if pat.kind == argWord && isStringKeyword(pat.text) {
		text, err := stringOf(env, pat)
		if err != nil {
			return false, err
		}
		m, err = compileRegexp(text)
		if err != nil {
			return false, err
		}
	} else {
		m, err = pat.regex.get(func() (*regexpMatcher, error) { return compileRegexp(pat.text) })
		if err != nil {
			return false, err
		}
	}
	return m.re.MatchString(subject), nil
}

func evalScript(env *Env, args []*arg) (bool, error) {
	if env.Scripts == nil {
		return false, errNoScripts
	}
	script, err := stringOf(env, args[0])
	if err != nil {
		return false, err
	}
	out, err := env.Scripts.Run(env.context(), script, Binding{
		Tag:       env.TagName,
		Resources: []tag.Resource{env.Resource},
		Intent:    IntentConstraint,
	})
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("script returned %T, want bool", out)
	}
}

// numberOf resolves a numeric argument. Words must be numeric keywords.
func numberOf(env *Env, a *arg) (float64, error) {
	switch a.kind {
	case argWord:
		kw, ok := numericKeywords[strings.ToLower(a.text)]
		if !ok {
			return 0, fmt.Errorf("%w %q", errUnknownKeyword, a.text)
		}
		return kw(env), nil
	default:
		return a.number.get(func() (float64, error) {
			return strconv.ParseFloat(a.text, 64)
		})
	}
}

// stringOf resolves a text argument. String keywords read the resource;
// numeric keywords are formatted; other words are literal text.
func stringOf(env *Env, a *arg) (string, error) {
	if a.kind != argWord {
		return a.text, nil
	}
	key := strings.ToLower(a.text)
	if kw, ok := stringKeywords[key]; ok {
		return kw(env), nil
	}
	if kw, ok := numericKeywords[key]; ok {
		return strconv.FormatFloat(kw(env), 'f', -1, 64), nil
	}
	return a.text, nil
}

// foldedOf is stringOf in case-folded form, memoized for literals.
func foldedOf(env *Env, a *arg) (string, error) {
	if a.kind == argWord && isKeyword(a.text) {
		s, err := stringOf(env, a)
		return tag.Fold(s), err
	}
	return a.folded.get(func() (string, error) {
		return tag.Fold(a.text), nil
	})
}

func isStringKeyword(word string) bool {
	_, ok := stringKeywords[strings.ToLower(word)]
	return ok
}

func isKeyword(word string) bool {
	key := strings.ToLower(word)
	_, num := numericKeywords[key]
	_, str := stringKeywords[key]
	return num || str
}

func seconds(d time.Duration) float64 { return float64(d / time.Second) }

func since(env *Env, t time.Time) float64 {
	if t.IsZero() {
		return -1
	}
	return seconds(env.now().Sub(t))
}

var numericKeywords = map[string]func(env *Env) float64{
	"shareratio": func(env *Env) float64 {
		sr := env.Resource.Stats().ShareRatio
		if sr < 0 {
			return -1
		}
		return float64(sr) / 1000
	},
	"age": func(env *Env) float64 { return since(env, env.Resource.Stats().AddedTime) },
	"percent": func(env *Env) float64 {
		return float64(env.Resource.Stats().PercentDone) / 10
	},
	"downloadingfor":  func(env *Env) float64 { return seconds(env.Resource.Stats().DownloadingFor) },
	"seedingfor":      func(env *Env) float64 { return seconds(env.Resource.Stats().SeedingFor) },
	"swarmmergebytes": func(env *Env) float64 { return float64(env.Resource.Stats().SwarmMergeBytes) },
	"lastactive": func(env *Env) float64 {
		st := env.Resource.Stats()
		if st.LastActive.IsZero() {
			return since(env, st.AddedTime)
		}
		return since(env, st.LastActive)
	},
	"seedcount": func(env *Env) float64 { return float64(env.Resource.Stats().Seeds) },
	"peercount": func(env *Env) float64 { return float64(env.Resource.Stats().Peers) },
	"seedpeerratio": func(env *Env) float64 {
		st := env.Resource.Stats()
		if st.Peers == 0 {
			return float64(st.Seeds)
		}
		return float64(st.Seeds) / float64(st.Peers)
	},
	"resumein":  func(env *Env) float64 { return seconds(env.Resource.Stats().ResumeIn) },
	"minofhour": func(env *Env) float64 { return float64(env.now().Minute()) },
	"hourofday": func(env *Env) float64 { return float64(env.now().Hour()) },
	"dayofweek": func(env *Env) float64 { return float64(env.now().Weekday()) + 1 },
	"tagage":    func(env *Env) float64 { return since(env, env.TagAddedAt) },
}

var stringKeywords = map[string]func(env *Env) string{
	"name":     func(env *Env) string { return env.Resource.Name() },
	"savepath": func(env *Env) string { return env.Resource.SavePath() },
}

// Keywords returns the names of every keyword, sorted.
func Keywords() []string {
	names := make([]string, 0, len(numericKeywords)+len(stringKeywords))
	for k := range numericKeywords {
		names = append(names, k)
	}
	for k := range stringKeywords {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

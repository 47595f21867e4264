package httpx

import (
	"strings"
)

// PathContext is the script/path split the web server delivered in the CGI
// variables: SCRIPT_NAME identifies the application, PATH_INFO is the rest
// of the URL path, PATH_TRANSLATED is PATH_INFO mapped to a file.
type PathContext struct {
	ScriptName     string
	PathInfo       string
	PathTranslated string
}

// Infer builds a PathContext from a session's parameter map.
func Infer(params map[string]string) PathContext {
	return PathContext{
		ScriptName:     params["SCRIPT_NAME"],
		PathInfo:       params["PATH_INFO"],
		PathTranslated: params["PATH_TRANSLATED"],
	}
}

// Path is the full URL path the client asked for.
func (pc PathContext) Path() string {
	return pc.ScriptName + pc.PathInfo
}

// Shift moves the first segment of PATH_INFO onto SCRIPT_NAME, the way a
// front controller descends into sub-resources. It returns the segment and
// the narrowed context; an empty segment means PATH_INFO is exhausted.
func (pc PathContext) Shift() (string, PathContext) {
	info := strings.TrimPrefix(pc.PathInfo, "/")
	if info == "" {
		return "", pc
	}

	seg := info
	rest := ""

	if i := strings.IndexByte(info, '/'); i >= 0 {
		seg = info[:i]
		rest = info[i:]
	}

	return seg, PathContext{
		ScriptName:     pc.ScriptName + "/" + seg,
		PathInfo:       rest,
		PathTranslated: pc.PathTranslated,
	}
}

// Match reports whether PATH_INFO begins with prefix at a segment
// boundary, returning the context rebased past it.
func (pc PathContext) Match(prefix string) (PathContext, bool) {
	prefix = strings.TrimSuffix(prefix, "/")

	if prefix == "" {
		return pc, true
	}

	if !strings.HasPrefix(pc.PathInfo, prefix) {
		return pc, false
	}

	rest := pc.PathInfo[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return pc, false
	}

	return PathContext{
		ScriptName:     pc.ScriptName + prefix,
		PathInfo:       rest,
		PathTranslated: pc.PathTranslated,
	}, true
}

package tools

import (
	"path/filepath"
	"strings"
)

// excludedDirs are never descended into by directory-walking tools.
var excludedDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".tox":          true,
	".idea":         true,
	".vscode":       true,
}

// excludedExts are binary or media extensions skipped by content search.
var excludedExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".svgz": true, ".tiff": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".tgz": true,
	".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".class": true, ".jar": true, ".pyc": true, ".pyo": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".wav": true,
	".flac": true, ".mkv": true, ".webm": true,
	".bin": true, ".db": true, ".sqlite": true,
}

func isExcludedDir(name string) bool {
	return excludedDirs[name]
}

func isExcludedFile(name string) bool {
	return excludedExts[strings.ToLower(filepath.Ext(name))]
}

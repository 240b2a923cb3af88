package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Compile parses a set of named .proto sources and links them into file
// descriptors. Imports between the sources resolve, and the standard
// google/protobuf imports are always available. Every source is compiled,
// so an undefined type anywhere fails the whole set.
func Compile(ctx context.Context, sources map[string]string) ([]protoreflect.FileDescriptor, error) {
	if len(sources) == 0 {
		return nil, apperrors.Newf(apperrors.KindParse, "registry.Compile", "no proto sources given")
	}

	normalized := make(map[string]string, len(sources))
	names := make([]string, 0, len(sources))
	for name, body := range sources {
		clean := cleanName(name)
		if clean == "" {
			return nil, apperrors.Newf(apperrors.KindParse, "registry.Compile", "invalid file name %q", name)
		}
		if _, dup := normalized[clean]; dup {
			return nil, apperrors.Newf(apperrors.KindParse, "registry.Compile", "duplicate file %q", clean)
		}
		normalized[clean] = body
		names = append(names, clean)
	}
	sort.Strings(names)

	var diagnostics []string
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(normalized),
		}),
		SourceInfoMode: protocompile.SourceInfoStandard,
		Reporter: reporter.NewReporter(
			func(err reporter.ErrorWithPos) error {
				diagnostics = append(diagnostics, err.Error())
				return nil
			},
			nil,
		),
	}

	files, err := compiler.Compile(ctx, names...)
	if err != nil {
		if len(diagnostics) > 0 {
			err = fmt.Errorf("%s", strings.Join(diagnostics, "; "))
		}
		return nil, apperrors.New(apperrors.KindParse, "registry.Compile",
			fmt.Errorf("%w: %w", apperrors.ErrInvalidDescriptor, err))
	}

	out := make([]protoreflect.FileDescriptor, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	return out, nil
}

// cleanName normalizes an uploaded file name into an import path.
func cleanName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if name == "" {
		return ""
	}
	name = path.Clean(name)
	name = strings.TrimPrefix(name, "/")
	if name == "." || strings.HasPrefix(name, "../") || name == ".." {
		return ""
	}
	return name
}

package plugin

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxSteps bounds a single helper or decorator call so a runaway script
// cannot stall a render pass.
const maxSteps = 10_000_000

// starModule is a plugin written in Starlark. The script must define
//
//	def register(hb):
//	    hb.register_helper("name", fn)
//	    hb.register_decorator("name", fn)
type starModule struct {
	path     string
	register starlark.Callable
	logger   *slog.Logger
}

// LoadStarlark executes the script at path and returns it as a Module.
func LoadStarlark(path string, logger *slog.Logger) (Module, error) {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}

	thread := newThread(path, logger)
	globals, err := starlark.ExecFile(thread, filepath.Base(path), src, nil)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", path, starlarkError(err))
	}

	value, ok := globals["register"]
	if !ok {
		return nil, fmt.Errorf("%s did not declare a register function", path)
	}
	register, ok := value.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s declares register but it is not a function", path)
	}
	return &starModule{path: path, register: register, logger: logger}, nil
}

func (m *starModule) Name() string { return m.path }

func (m *starModule) Register(b Builder) error {
	hb := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"register_helper": starlark.NewBuiltin("register_helper", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var callable starlark.Callable
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &callable); err != nil {
				return nil, err
			}
			if err := b.RegisterHelper(name, m.helper(name, callable)); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),
		"register_decorator": starlark.NewBuiltin("register_decorator", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var callable starlark.Callable
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &callable); err != nil {
				return nil, err
			}
			if err := b.RegisterDecorator(name, m.decorator(name, callable)); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),
	})

	thread := newThread(m.path, m.logger)
	if _, err := starlark.Call(thread, m.register, starlark.Tuple{hb}, nil); err != nil {
		return fmt.Errorf("register: %w", starlarkError(err))
	}
	return nil
}

func (m *starModule) helper(name string, fn starlark.Callable) HelperFunc {
	return func(args ...any) (any, error) {
		sargs := make(starlark.Tuple, 0, len(args))
		for _, arg := range args {
			v, err := toStarlark(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			sargs = append(sargs, v)
		}
		thread := newThread(name, m.logger)
		thread.SetMaxExecutionSteps(maxSteps)
		out, err := starlark.Call(thread, fn, sargs, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, starlarkError(err))
		}
		return fromStarlark(out)
	}
}

func (m *starModule) decorator(name string, fn starlark.Callable) DecoratorFunc {
	return func(content template.HTML, opts map[string]any) (template.HTML, error) {
		sopts, err := toStarlark(opts)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		thread := newThread(name, m.logger)
		thread.SetMaxExecutionSteps(maxSteps)
		out, err := starlark.Call(thread, fn, starlark.Tuple{starlark.String(content), sopts}, nil)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, starlarkError(err))
		}
		s, ok := starlark.AsString(out)
		if !ok {
			return "", fmt.Errorf("%s: decorator returned %s, want string", name, out.Type())
		}
		return template.HTML(s), nil
	}
}

func newThread(name string, logger *slog.Logger) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(thread *starlark.Thread, msg string) {
			logger.Info(msg, "plugin", thread.Name)
		},
	}
}

func starlarkError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return errors.New(evalErr.Backtrace())
	}
	return err
}

func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return val, nil
	case string:
		return starlark.String(val), nil
	case template.HTML:
		return starlark.String(val), nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case []any:
		items := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items = append(items, sv)
		}
		return starlark.NewList(items), nil
	case []string:
		items := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			items = append(items, starlark.String(item))
		}
		return starlark.NewList(items), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
}

func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return val.GoString(), nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.String(), nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, item := range val {
			conv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			item, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[key] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", v.Type())
	}
}

package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a single decoded value when a
// field carries no maxLength tag.
var defaultFieldLimit = 16 * 1024

// sources lists the supported struct tags in precedence order.
var sources = []string{"path", "query", "form", "header", "cookie"}

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in precedence order:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  URL query parameter
//   - `form:"name"`   url-encoded body parameter (ParseForm)
//   - `header:"name"` request header
//   - `cookie:"name"` raw cookie value
//
// A tag value of "-" skips the field. `maxLength:"n"` bounds the byte length of
// the incoming value (default 16KB, "0" for no limit); longer values yield a 400.
// Supported field kinds are string, bool, signed integers and []string.
// Untagged embedded structs are decoded recursively. Absent values leave the
// field unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	if root.NumField() == 0 {
		return nil
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
		}
	}
	return decodeStruct(r, root)
}

func decodeStruct(r *http.Request, sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		if sf.Anonymous && fv.Kind() == reflect.Struct && !hasSourceTag(sf) {
			if err := decodeStruct(r, fv); err != nil {
				return err
			}
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, src := range sources {
			name, ok := sf.Tag.Lookup(src)
			if !ok {
				continue
			}
			name, _, _ = strings.Cut(name, ",")
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			values := lookup(r, src, name)
			if len(values) == 0 {
				continue
			}
			for _, s := range values {
				if limit > 0 && len(s) > limit {
					return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q exceeds %d bytes", src, name, limit))
				}
			}
			if err := setField(fv, values); err != nil {
				return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", src, name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

func hasSourceTag(sf reflect.StructField) bool {
	for _, src := range sources {
		if _, ok := sf.Tag.Lookup(src); ok {
			return true
		}
	}
	return false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid maxLength %q", tag)
	}
	return n, nil
}

func lookup(r *http.Request, src, name string) []string {
	switch src {
	case "path":
		if v := r.PathValue(name); v != "" {
			return []string{v}
		}
	case "query":
		if r.URL != nil {
			return r.URL.Query()[name]
		}
	case "form":
		if r.PostForm != nil {
			return r.PostForm[name]
		}
	case "header":
		return r.Header.Values(name)
	case "cookie":
		if c, err := r.Cookie(name); err == nil {
			return []string{c.Value}
		}
	}
	return nil
}

func setField(fv reflect.Value, values []string) error {
	if !fv.CanSet() {
		return errors.New("field is not settable")
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(values[0])
	case reflect.Bool:
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(values[0], 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		fv.Set(reflect.ValueOf(append([]string(nil), values...)))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

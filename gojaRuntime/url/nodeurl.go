package url

import (
	"net/url"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/idna"
)

type SearchParam struct {
	Name  string
	Value string
}

func (sp *SearchParam) Encode() string {
	return sp.string(true)
}

func (sp *SearchParam) string(encode bool) string {
	if encode {
		return url.QueryEscape(sp.Name) + "=" + url.QueryEscape(sp.Value)
	} else {
		return sp.Name + "=" + sp.Value
	}
}

type SearchParams []SearchParam

func (s SearchParams) Len() int {
	return len(s)
}

func (s SearchParams) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s SearchParams) Less(i, j int) bool {
	return strings.Compare(s[i].Name, s[j].Name) < 0
}

func (s SearchParams) Encode() string {
	var sb strings.Builder
	for i, v := range s {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(v.Encode())
	}
	return sb.String()
}

func (s SearchParams) String() string {
	var sb strings.Builder
	for i, v := range s {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(v.string(false))
	}
	return sb.String()
}

type nodeURL struct {
	Url          *url.URL
	SearchParams SearchParams
}

type UrlSearchParams nodeURL

// syncSearchParams keeps the parsed url's RawQuery in line with the params
// after a script mutated them.
func (nu *nodeURL) syncSearchParams() {
	if nu.Url != nil {
		nu.Url.RawQuery = nu.SearchParams.Encode()
	}
}

func (sp *UrlSearchParams) hasName(name string) bool {
	for _, v := range sp.SearchParams {
		if v.Name == name {
			return true
		}
	}
	return false
}

func (sp *UrlSearchParams) getValues(name string) []string {
	vals := make([]string, 0, len(sp.SearchParams))
	for _, v := range sp.SearchParams {
		if v.Name == name {
			vals = append(vals, v.Value)
		}
	}

	return vals
}

func (sp *UrlSearchParams) getFirstValue(name string) (string, bool) {
	for _, v := range sp.SearchParams {
		if v.Name == name {
			return v.Value, true
		}
	}

	return "", false
}

func (sp *UrlSearchParams) remove(name string) {
	kept := sp.SearchParams[:0]
	for _, v := range sp.SearchParams {
		if v.Name != name {
			kept = append(kept, v)
		}
	}
	sp.SearchParams = kept
	(*nodeURL)(sp).syncSearchParams()
}

func (sp *UrlSearchParams) set(name, value string) {
	sp.remove(name)
	sp.SearchParams = append(sp.SearchParams, SearchParam{Name: name, Value: value})
	(*nodeURL)(sp).syncSearchParams()
}

func (sp *UrlSearchParams) append(name, value string) {
	sp.SearchParams = append(sp.SearchParams, SearchParam{Name: name, Value: value})
	(*nodeURL)(sp).syncSearchParams()
}

func parseSearchQuery(query string) (ret SearchParams) {
	if query == "" {
		return
	}

	query = strings.TrimPrefix(query, "?")

	for _, v := range strings.Split(query, "&") {
		if v == "" {
			continue
		}
		pair := strings.SplitN(v, "=", 2)
		l := len(pair)
		if l == 1 {
			ret = append(ret, SearchParam{Name: unescapeSearchParam(pair[0]), Value: ""})
		} else if l == 2 {
			ret = append(ret, SearchParam{Name: unescapeSearchParam(pair[0]), Value: unescapeSearchParam(pair[1])})
		}
	}

	return
}

func unescapeSearchParam(s string) string {
	unescaped, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return unescaped
}

// Enable installs the `url` module and the URLSearchParams constructor as globals.
func Enable(vm *goja.Runtime) {
	vm.Set("URLSearchParams", func(call goja.ConstructorCall) *goja.Object {
		init := ""
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			init = arg.String()
		}
		params := &UrlSearchParams{SearchParams: parseSearchQuery(init)}
		bindSearchParams(vm, call.This, params)
		return nil
	})
	vm.Set("url", Require(vm))
}

func Require(vm *goja.Runtime) *goja.Object {
	module := vm.NewObject()
	module.Set("parse", func(href string) (*goja.Object, error) {
		parsed, err := url.Parse(href)
		if err != nil {
			return nil, err
		}
		return newURLObject(vm, parsed), nil
	})
	module.Set("domainToASCII", func(domain string) string {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return ""
		}
		return ascii
	})
	module.Set("domainToUnicode", func(domain string) string {
		unicode, err := idna.Lookup.ToUnicode(domain)
		if err != nil {
			return ""
		}
		return unicode
	})
	return module
}

func newURLObject(vm *goja.Runtime, parsed *url.URL) *goja.Object {
	nu := &nodeURL{Url: parsed, SearchParams: parseSearchQuery(parsed.RawQuery)}
	obj := vm.NewObject()

	protocol := ""
	if parsed.Scheme != "" {
		protocol = parsed.Scheme + ":"
	}
	hash := ""
	if parsed.Fragment != "" {
		hash = "#" + parsed.Fragment
	}

	obj.Set("protocol", protocol)
	obj.Set("host", parsed.Host)
	obj.Set("hostname", parsed.Hostname())
	obj.Set("port", parsed.Port())
	obj.Set("pathname", parsed.EscapedPath())
	obj.Set("hash", hash)
	obj.DefineAccessorProperty("search", vm.ToValue(func() string {
		if nu.Url.RawQuery == "" {
			return ""
		}
		return "?" + nu.Url.RawQuery
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("href", vm.ToValue(func() string {
		return nu.Url.String()
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	searchParams := vm.NewObject()
	bindSearchParams(vm, searchParams, (*UrlSearchParams)(nu))
	obj.Set("searchParams", searchParams)
	obj.Set("toString", func() string {
		return nu.Url.String()
	})
	return obj
}

func bindSearchParams(vm *goja.Runtime, obj *goja.Object, params *UrlSearchParams) {
	obj.Set("get", func(name string) goja.Value {
		if value, ok := params.getFirstValue(name); ok {
			return vm.ToValue(value)
		}
		return goja.Null()
	})
	obj.Set("getAll", func(name string) []string {
		return params.getValues(name)
	})
	obj.Set("has", params.hasName)
	obj.Set("append", params.append)
	obj.Set("set", params.set)
	obj.Set("delete", params.remove)
	obj.Set("sort", func() {
		sort.Stable(params.SearchParams)
		(*nodeURL)(params).syncSearchParams()
	})
	obj.Set("toString", func() string {
		return params.SearchParams.Encode()
	})
}

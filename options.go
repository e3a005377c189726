package coap

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

type Options []base.Option

func (options *Options) clone() Options {
	cloneOptions := make(Options, len(*options))
	copy(cloneOptions, *options)
	return cloneOptions
}

func (options *Options) Add(id OptionID, v interface{}) {
	*options = append(*options, base.Option{ID: uint16(id), Value: v})
}

func (options *Options) Set(id OptionID, v interface{}) {
	options.Del(id)
	options.Add(id, v)
}

func (options *Options) Get(id OptionID) interface{} {
	for _, o := range *options {
		if o.ID == uint16(id) {
			return o.Value
		}
	}
	return nil
}

func (options *Options) GetAll(id OptionID) (values []interface{}) {
	for _, o := range *options {
		if o.ID == uint16(id) {
			values = append(values, o.Value)
		}
	}
	return values
}

func (options *Options) Del(id OptionID) {
	var results Options
	for _, o := range *options {
		if o.ID != uint16(id) {
			results = append(results, o)
		}
	}
	*options = results
}

func (options *Options) Contain(id OptionID) bool {
	for _, o := range *options {
		if o.ID == uint16(id) {
			return true
		}
	}
	return false
}

var headerNewlineToSpace = strings.NewReplacer("\n", " ", "\r", " ")

func (options *Options) Write(w io.Writer) error {
	sort.Slice(*options, func(i, j int) bool {
		if (*options)[i].ID == (*options)[j].ID {
			return i < j
		}
		return (*options)[i].ID < (*options)[j].ID
	})

	for _, o := range *options {
		s, ok := o.Value.(string)
		if ok {
			s = headerNewlineToSpace.Replace(s)
			fmt.Fprintf(w, "%s: %s\r\n", OptionID(o.ID).String(), s)
		} else {
			fmt.Fprintf(w, "%s: %v\r\n", OptionID(o.ID).String(), o.Value)
		}
	}
	return nil
}

func (options *Options) SetStrings(id OptionID, ss []string) {
	options.Del(id)
	for _, s := range ss {
		options.Add(id, s)
	}
}

func (options *Options) getStrings(id OptionID, sep string) string {
	values := options.GetAll(id)
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (options *Options) SetPath(path string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) <= 0 {
		options.Del(URIPath)
		return
	}
	options.SetStrings(URIPath, strings.Split(path, "/"))
}

func (options *Options) GetPath() string {
	return options.getStrings(URIPath, "/")
}

func (options *Options) SetQuery(query string) {
	if len(query) <= 0 {
		options.Del(URIQuery)
		return
	}
	options.SetStrings(URIQuery, strings.Split(query, "&"))
}

func (options *Options) GetQuery() string {
	return options.getStrings(URIQuery, "&")
}

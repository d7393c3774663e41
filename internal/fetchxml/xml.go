package fetchxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// wire mirrors the FetchXML element shapes (§6.3) as plain structs so
// encoding/xml can marshal them directly; the domain tree in fetchxml.go
// stays free of xml struct tags.

type wireFetch struct {
	XMLName      xml.Name   `xml:"fetch"`
	Distinct     string     `xml:"distinct,attr,omitempty"`
	Top          string     `xml:"top,attr,omitempty"`
	Count        string     `xml:"count,attr,omitempty"`
	Page         string     `xml:"page,attr,omitempty"`
	NoLock       string     `xml:"no-lock,attr,omitempty"`
	Aggregate    string     `xml:"aggregate,attr,omitempty"`
	PagingCookie string     `xml:"paging-cookie,attr,omitempty"`
	Entity       *wireEntity `xml:"entity"`
}

type wireEntity struct {
	Name       string          `xml:"name,attr"`
	Attributes []wireAttribute `xml:"attribute"`
	AllAttrs   *struct{}       `xml:"all-attributes"`
	Filter     *wireFilter     `xml:"filter"`
	Links      []wireLink      `xml:"link-entity"`
	Orders     []wireOrder     `xml:"order"`
}

type wireLink struct {
	Name       string          `xml:"name,attr"`
	Alias      string          `xml:"alias,attr,omitempty"`
	From       string          `xml:"from,attr"`
	To         string          `xml:"to,attr"`
	LinkType   string          `xml:"link-type,attr,omitempty"`
	Attributes []wireAttribute `xml:"attribute"`
	AllAttrs   *struct{}       `xml:"all-attributes"`
	Filter     *wireFilter     `xml:"filter"`
	Links      []wireLink      `xml:"link-entity"`
	Orders     []wireOrder     `xml:"order"`
}

type wireAttribute struct {
	Name         string `xml:"name,attr"`
	Alias        string `xml:"alias,attr,omitempty"`
	Aggregate    string `xml:"aggregate,attr,omitempty"`
	Distinct     string `xml:"distinct,attr,omitempty"`
	DateGrouping string `xml:"dategrouping,attr,omitempty"`
	GroupBy      string `xml:"groupby,attr,omitempty"`
}

type wireOrder struct {
	Attribute  string `xml:"attribute,attr,omitempty"`
	Alias      string `xml:"alias,attr,omitempty"`
	Descending string `xml:"descending,attr,omitempty"`
}

type wireFilter struct {
	Type       string          `xml:"type,attr,omitempty"`
	Conditions []wireCondition `xml:"condition"`
	Filters    []wireFilter    `xml:"filter"`
}

type wireCondition struct {
	EntityName string   `xml:"entityname,attr,omitempty"`
	Attribute  string   `xml:"attribute,attr"`
	Operator   string   `xml:"operator,attr"`
	Value      string   `xml:"value,attr,omitempty"`
	Values     []string `xml:"value"`
}

func boolAttr(v, specified bool) string {
	if !specified {
		return ""
	}
	if v {
		return "true"
	}
	return "false"
}

func intAttr(v int, specified bool) string {
	if !specified {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// Marshal renders the finalized tree as FetchXML document bytes (§6.3). The
// caller must have called Finalize first; Marshal does not prune or sort.
func Marshal(f *Fetch) ([]byte, error) {
	if f == nil || f.Entity == nil {
		return nil, fmt.Errorf("fetchxml: cannot marshal a fetch with no entity")
	}
	w := wireFetch{
		Distinct:     boolAttr(f.Distinct, f.DistinctSpecified),
		Top:          intAttr(f.Top, f.TopSpecified),
		Count:        intAttr(f.Count, f.CountSpecified),
		Page:         intAttr(f.Page, f.PageSpecified),
		NoLock:       boolAttr(f.NoLock, f.NoLockSpecified),
		Aggregate:    boolAttr(f.Aggregate, f.AggregateSpecified),
		PagingCookie: f.PagingCookie,
		Entity:       toWireEntity(f.Entity),
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("fetchxml: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func toWireEntity(e *Entity) *wireEntity {
	w := &wireEntity{Name: e.Name}
	populateItems(e.Items, &w.Attributes, &w.AllAttrs, &w.Filter, &w.Links, &w.Orders)
	return w
}

func toWireLink(le *LinkEntity) wireLink {
	w := wireLink{
		Name:     le.Name,
		Alias:    le.Alias,
		From:     le.From,
		To:       le.To,
		LinkType: string(le.LinkType),
	}
	populateItems(le.Items, &w.Attributes, &w.AllAttrs, &w.Filter, &w.Links, &w.Orders)
	return w
}

func populateItems(items []Item, attrs *[]wireAttribute, allAttrs **struct{}, filter **wireFilter, links *[]wireLink, orders *[]wireOrder) {
	for _, item := range items {
		switch v := item.(type) {
		case Attribute:
			*attrs = append(*attrs, wireAttribute{
				Name:         v.Name,
				Alias:        v.Alias,
				Aggregate:    v.Aggregate,
				Distinct:     boolAttr(v.Distinct, v.DistinctSpecified),
				DateGrouping: v.DateGrouping,
				GroupBy:      boolAttr(v.GroupBy, v.GroupBySpecified),
			})
		case AllAttributes:
			*allAttrs = &struct{}{}
		case *Filter:
			wf := toWireFilter(v)
			*filter = &wf
		case *LinkEntity:
			*links = append(*links, toWireLink(v))
		case Order:
			*orders = append(*orders, wireOrder{
				Attribute:  v.Attribute,
				Alias:      v.Alias,
				Descending: boolAttr(v.Descending, true),
			})
		}
	}
}

func toWireFilter(f *Filter) wireFilter {
	w := wireFilter{Type: string(f.Type)}
	for _, item := range f.Items {
		switch v := item.(type) {
		case Condition:
			w.Conditions = append(w.Conditions, wireCondition{
				EntityName: v.EntityName,
				Attribute:  v.Attribute,
				Operator:   v.Operator,
				Value:      v.Value,
				Values:     v.Values,
			})
		case *Filter:
			w.Filters = append(w.Filters, toWireFilter(v))
		}
	}
	return w
}

// Unmarshal parses FetchXML document bytes back into the domain tree,
// supporting the §8 round-trip property: a finalized tree marshaled and
// re-parsed must compare equal.
func Unmarshal(data []byte) (*Fetch, error) {
	var w wireFetch
	if err := xml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("fetchxml: unmarshal: %w", err)
	}
	if w.Entity == nil {
		return nil, fmt.Errorf("fetchxml: document has no entity")
	}
	f := &Fetch{
		PagingCookie: w.PagingCookie,
		Entity:       fromWireEntity(w.Entity),
	}
	f.Distinct, f.DistinctSpecified = parseBoolAttr(w.Distinct)
	f.Top, f.TopSpecified = parseIntAttr(w.Top)
	f.Count, f.CountSpecified = parseIntAttr(w.Count)
	f.Page, f.PageSpecified = parseIntAttr(w.Page)
	f.NoLock, f.NoLockSpecified = parseBoolAttr(w.NoLock)
	f.Aggregate, f.AggregateSpecified = parseBoolAttr(w.Aggregate)
	return f, nil
}

func parseBoolAttr(raw string) (bool, bool) {
	if raw == "" {
		return false, false
	}
	return raw == "true", true
}

func parseIntAttr(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	var n int
	fmt.Sscanf(raw, "%d", &n)
	return n, true
}

func fromWireEntity(w *wireEntity) *Entity {
	e := &Entity{Name: w.Name}
	e.Items = fromWireItems(w.Attributes, w.AllAttrs, w.Filter, w.Links, w.Orders)
	return e
}

func fromWireLink(w wireLink) *LinkEntity {
	le := &LinkEntity{Name: w.Name, Alias: w.Alias, From: w.From, To: w.To, LinkType: LinkType(w.LinkType)}
	le.Items = fromWireItems(w.Attributes, w.AllAttrs, w.Filter, w.Links, w.Orders)
	return le
}

func fromWireItems(attrs []wireAttribute, allAttrs *struct{}, filter *wireFilter, links []wireLink, orders []wireOrder) []Item {
	var items []Item
	for _, a := range attrs {
		attr := Attribute{Name: a.Name, Alias: a.Alias, Aggregate: a.Aggregate, DateGrouping: a.DateGrouping}
		attr.Distinct, attr.DistinctSpecified = parseBoolAttr(a.Distinct)
		attr.GroupBy, attr.GroupBySpecified = parseBoolAttr(a.GroupBy)
		items = append(items, attr)
	}
	if allAttrs != nil {
		items = append(items, AllAttributes{})
	}
	if filter != nil {
		f := fromWireFilter(*filter)
		items = append(items, f)
	}
	for _, l := range links {
		items = append(items, fromWireLink(l))
	}
	for _, o := range orders {
		descending, _ := parseBoolAttr(o.Descending)
		items = append(items, Order{Attribute: o.Attribute, Alias: o.Alias, Descending: descending})
	}
	return items
}

func fromWireFilter(w wireFilter) *Filter {
	f := &Filter{Type: FilterType(w.Type)}
	for _, c := range w.Conditions {
		f.Items = append(f.Items, Condition{
			EntityName: c.EntityName,
			Attribute:  c.Attribute,
			Operator:   c.Operator,
			Value:      c.Value,
			Values:     c.Values,
		})
	}
	for _, nested := range w.Filters {
		f.Items = append(f.Items, fromWireFilter(nested))
	}
	return f
}

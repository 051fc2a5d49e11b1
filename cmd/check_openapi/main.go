package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

// requiredRoutes lists every method the server registers per path.
var requiredRoutes = map[string][]string{
	"/healthz":               {"get"},
	"/metrics":               {"get"},
	"/api/auth/register":     {"post"},
	"/api/auth/login":        {"post"},
	"/api/auth/logout":       {"post"},
	"/api/users/me":          {"get"},
	"/api/books":             {"get", "post"},
	"/api/books/mine":        {"get"},
	"/api/book/{id}":         {"get", "delete"},
	"/api/requests":          {"get"},
	"/request_book/{bookId}": {"post"},
	"/request/{id}":          {"get", "delete"},
	"/request/{id}/{action}": {"post"},
	"/request/{id}/chat":     {"get", "post"},
	"/request/{id}/history":  {"get"},
}

var requestStatuses = []string{"open", "accepted", "rejected", "return_initiated", "completed"}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	var errs []error
	if s, err := getSchema(doc, "ErrorResponse"); err != nil {
		errs = append(errs, err)
	} else if err := validateErrorResponse(s); err != nil {
		errs = append(errs, err)
	}
	if s, err := getSchema(doc, "Request"); err != nil {
		errs = append(errs, err)
	} else if err := validateRequestStatus(s); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validatePaths(doc)...)
	return errors.Join(errs...)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func validateRequestStatus(s schema) error {
	status, ok := s.Properties["status"]
	if !ok {
		return errors.New("Request.status missing")
	}
	got := append([]string(nil), status.Enum...)
	want := append([]string(nil), requestStatuses...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("Request.status enum mismatch: %v vs %v", got, want)
	}
	return nil
}

func validatePaths(doc openAPIDoc) []error {
	var errs []error
	paths := make([]string, 0, len(requiredRoutes))
	for p := range requiredRoutes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		item, ok := doc.Paths[p]
		if !ok {
			errs = append(errs, fmt.Errorf("path %s missing", p))
			continue
		}
		for _, method := range requiredRoutes[p] {
			if _, ok := item[method]; !ok {
				errs = append(errs, fmt.Errorf("path %s: %s operation missing", p, strings.ToUpper(method)))
			}
		}
	}
	return errs
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

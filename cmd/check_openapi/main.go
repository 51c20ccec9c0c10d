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
	Paths      map[string]map[string]any `yaml:"paths"`
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
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type     string
	ItemsRef string
}

// servedRoutes lists what each service's router answers, as "METHOD /path".
var servedRoutes = map[string][]string{
	"messaging": {
		"GET /healthz",
		"GET /conversations",
		"POST /conversations",
		"GET /conversations/stream",
		"GET /conversations/{id}/messages",
		"POST /conversations/{id}/messages",
		"GET /conversations/{id}/messages/stream",
		"POST /conversations/{id}/read",
		"GET /conversations/{id}/unread",
	},
	"school": {
		"GET /healthz",
		"POST /auth/register",
		"POST /auth/login",
		"POST /auth/logout",
		"GET /auth/me",
		"PATCH /auth/me",
		"GET /users",
		"GET /users/search",
		"GET /prints",
		"POST /prints",
		"GET /prints/categories",
		"GET /prints/recent",
		"GET /prints/stream",
		"GET /prints/{id}",
		"PATCH /prints/{id}",
		"DELETE /prints/{id}",
		"GET /prints/{id}/download",
		"GET /events",
		"POST /events",
		"GET /events/today",
		"GET /events/upcoming",
		"GET /events/stream",
		"GET /events/{id}",
		"PATCH /events/{id}",
		"DELETE /events/{id}",
	},
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <messaging-openapi.yaml> <school-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func run(messagingPath, schoolPath string) error {
	messagingDoc, err := loadDoc(messagingPath)
	if err != nil {
		return err
	}
	schoolDoc, err := loadDoc(schoolPath)
	if err != nil {
		return err
	}

	messagingErr, err := getSchema(messagingDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("messaging: %w", err)
	}
	schoolErr, err := getSchema(schoolDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("school: %w", err)
	}
	if err := validateErrorResponse("messaging", messagingErr); err != nil {
		return err
	}
	if err := validateErrorResponse("school", schoolErr); err != nil {
		return err
	}
	if err := ensureSameShape("ErrorResponse", shapeFromSchema(messagingErr), shapeFromSchema(schoolErr)); err != nil {
		return err
	}

	if err := ensureRoutes("messaging", messagingDoc, servedRoutes["messaging"]); err != nil {
		return err
	}
	return ensureRoutes("school", schoolDoc, servedRoutes["school"])
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

func validateErrorResponse(scope string, s schema) error {
	if s.Type != "object" {
		return fmt.Errorf("%s ErrorResponse must be object", scope)
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("%s ErrorResponse.required must include %q", scope, field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("%s ErrorResponse.%s must be string", scope, field)
		}
	}
	return nil
}

// ensureRoutes fails when the doc and the served routes disagree in either
// direction.
func ensureRoutes(scope string, doc openAPIDoc, served []string) error {
	documented := make(map[string]bool)
	for path, item := range doc.Paths {
		for method := range item {
			switch method {
			case "get", "post", "put", "patch", "delete":
				documented[strings.ToUpper(method)+" "+path] = true
			}
		}
	}
	var missing, extra []string
	servedSet := makeSet(served)
	for _, route := range served {
		if !documented[route] {
			missing = append(missing, route)
		}
	}
	for route := range documented {
		if !servedSet[route] {
			extra = append(extra, route)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 {
		return fmt.Errorf("%s: routes missing from openapi: %s", scope, strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		return fmt.Errorf("%s: openapi documents unserved routes: %s", scope, strings.Join(extra, ", "))
	}
	return nil
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type}
		if prop.Items != nil {
			shape.ItemsRef = strings.TrimSpace(prop.Items.Ref)
		}
		out.Properties[name] = shape
	}
	return out
}

func ensureSameShape(name string, left, right schemaShape) error {
	if left.Type != right.Type {
		return fmt.Errorf("%s type mismatch: %q vs %q", name, left.Type, right.Type)
	}
	if strings.Join(left.Required, ",") != strings.Join(right.Required, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, left.Required, right.Required)
	}
	if len(left.Properties) != len(right.Properties) {
		return fmt.Errorf("%s property count mismatch: %d vs %d", name, len(left.Properties), len(right.Properties))
	}
	for key, leftProp := range left.Properties {
		rightProp, ok := right.Properties[key]
		if !ok {
			return fmt.Errorf("%s missing property %q in school schema", name, key)
		}
		if leftProp != rightProp {
			return fmt.Errorf("%s property %q mismatch: %+v vs %+v", name, key, leftProp, rightProp)
		}
	}
	return nil
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

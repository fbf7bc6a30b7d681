package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

const schemaBase = "https://idlegrove.app/schemas/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

var schemaByType = map[string]string{
	TypeHello:   "hello.schema.json",
	TypeAct:     "act.schema.json",
	TypeWelcome: "welcome.schema.json",
}

func loadSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range schemaByType {
		b, err := schemaFiles.ReadFile("schemas/" + name)
		if err != nil {
			schemasErr = err
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
			schemasErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	out := make(map[string]*jsonschema.Schema, len(schemaByType))
	for typ, name := range schemaByType {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			schemasErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		out[typ] = s
	}
	schemas = out
}

// Validate checks a raw message against the schema registered for its type.
// Types without a schema pass.
func Validate(msgType string, raw []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[msgType]
	if !ok {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}

// DecodeAct validates and decodes an ACT message.
func DecodeAct(raw []byte) (ActMsg, error) {
	var a ActMsg
	if err := Validate(TypeAct, raw); err != nil {
		return a, err
	}
	err := json.Unmarshal(raw, &a)
	return a, err
}

// DecodeHello validates and decodes a HELLO message.
func DecodeHello(raw []byte) (HelloMsg, error) {
	var h HelloMsg
	if err := Validate(TypeHello, raw); err != nil {
		return h, err
	}
	err := json.Unmarshal(raw, &h)
	return h, err
}

package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Function names matching any of these are refused.
var dangerousNamePatterns = compileAll(
	`\bexec\b`, `\beval\b`, `\b__import__\b`, `\bcompile\b`,
	`\bos\.`, `\bsys\.`, `\bsubprocess\b`, `\bshell\b`,
	`\bfile\b.*\bopen\b`, `\bwrite\b.*\bfile\b`,
	`\bdelete\b.*\bfile\b`, `\brm\b`, `\bunlink\b`,
)

// Descriptions matching these are logged but allowed.
var suspiciousDescriptionPatterns = compileAll(
	`\bexec\b.*\bcode\b`, `\beval\b.*\bexpression\b`,
	`\bshell\b.*\bcommand\b`, `\bdelete\b.*\bsystem\b`,
)

var functionNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var schemaTypes = map[string]bool{
	"object": true, "string": true, "number": true, "integer": true,
	"boolean": true, "array": true, "null": true,
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// tools checks a chat tools array and returns the declared function names.
func (v *Validator) tools(c *collector, tools gjson.Result) map[string]bool {
	if !tools.Exists() || tools.Type == gjson.Null {
		return nil
	}
	if !tools.IsArray() {
		c.add("tools", "must be an array")
		return nil
	}
	list := tools.Array()
	if len(list) == 0 {
		c.add("tools", "must not be empty when provided")
		return nil
	}
	if len(list) > v.limits.MaxTools {
		c.add("tools", fmt.Sprintf("number of tools (%d) exceeds maximum allowed (%d)", len(list), v.limits.MaxTools))
		return nil
	}

	names := make(map[string]bool, len(list))
	for i, tool := range list {
		field := fmt.Sprintf("tools[%d]", i)
		if t := tool.Get("type").String(); t != "function" {
			c.add(field+".type", fmt.Sprintf("unsupported tool type %q, only \"function\" is supported", t))
			continue
		}
		fn := tool.Get("function")
		if !fn.IsObject() {
			c.add(field+".function", "field required")
			continue
		}

		name := fn.Get("name").String()
		if msg := v.checkName(name); msg != "" {
			c.add(field+".function.name", msg)
		} else if names[name] {
			c.add(field+".function.name", fmt.Sprintf("duplicate function name %q", name))
		}
		names[name] = true

		if msg := v.checkDescription(name, fn.Get("description").String()); msg != "" {
			c.add(field+".function.description", msg)
		}

		if params := fn.Get("parameters"); params.Exists() {
			if msg := v.checkSchema(params, 0); msg != "" {
				c.add(field+".function.parameters", msg)
			}
		}
	}
	return names
}

func (v *Validator) checkName(name string) string {
	switch {
	case name == "":
		return "function name cannot be empty"
	case len(name) > v.limits.MaxFunctionName:
		return fmt.Sprintf("function name exceeds maximum length of %d characters", v.limits.MaxFunctionName)
	case !functionNameRE.MatchString(name):
		return "function name can only contain alphanumeric characters, underscores, and hyphens"
	}
	lower := strings.ToLower(name)
	for _, re := range dangerousNamePatterns {
		if re.MatchString(lower) {
			return fmt.Sprintf("function name contains a disallowed pattern: %s", re)
		}
	}
	return ""
}

func (v *Validator) checkDescription(name, desc string) string {
	switch {
	case desc == "":
		return "function description cannot be empty"
	case len(desc) > v.limits.MaxFunctionDescription:
		return fmt.Sprintf("function description exceeds maximum length of %d characters", v.limits.MaxFunctionDescription)
	}
	lower := strings.ToLower(desc)
	for _, re := range suspiciousDescriptionPatterns {
		if re.MatchString(lower) {
			v.logger.Warn("suspicious function description",
				slog.String("function", name),
				slog.String("pattern", re.String()),
			)
		}
	}
	return ""
}

func (v *Validator) checkSchema(schema gjson.Result, depth int) string {
	if depth > v.limits.MaxParameterDepth {
		return fmt.Sprintf("parameter schema exceeds maximum nesting depth of %d", v.limits.MaxParameterDepth)
	}
	if !schema.IsObject() {
		return "parameter schema must be an object"
	}
	if t := schema.Get("type"); t.Exists() && !schemaTypes[t.String()] {
		return fmt.Sprintf("invalid parameter type %q", t.String())
	}

	if props := schema.Get("properties"); props.Exists() {
		if !props.IsObject() {
			return "parameter \"properties\" must be an object"
		}
		var msg string
		props.ForEach(func(_, prop gjson.Result) bool {
			if prop.IsObject() {
				msg = v.checkSchema(prop, depth+1)
			}
			return msg == ""
		})
		if msg != "" {
			return msg
		}
	}
	if items := schema.Get("items"); items.IsObject() {
		return v.checkSchema(items, depth+1)
	}
	return ""
}

// toolChoice checks tool_choice against the declared function names.
func (v *Validator) toolChoice(c *collector, root gjson.Result, names map[string]bool) {
	choice := root.Get("tool_choice")
	if !choice.Exists() || choice.Type == gjson.Null {
		return
	}
	if len(names) == 0 && !root.Get("tools").IsArray() {
		c.add("tool_choice", "tool_choice specified but no tools provided")
		return
	}

	switch {
	case choice.Type == gjson.String:
		switch choice.String() {
		case "none", "auto", "required":
		default:
			c.add("tool_choice", fmt.Sprintf("invalid tool_choice %q, must be one of none, auto, required", choice.String()))
		}
	case choice.IsObject():
		if choice.Get("type").String() != "function" {
			c.add("tool_choice.type", "must be \"function\"")
			return
		}
		name := choice.Get("function.name")
		if !name.Exists() {
			c.add("tool_choice.function.name", "field required")
			return
		}
		if !names[name.String()] {
			c.add("tool_choice.function.name", fmt.Sprintf("references unknown function %q", name.String()))
		}
	default:
		c.add("tool_choice", "must be a string or an object")
	}
}

package tools

import (
	"context"
	"fmt"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

var computerActions = []string{
	"screenshot", "mouse_move", "click", "double_click", "right_click",
	"type", "key", "scroll", "drag",
}

func pointProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       map[string]interface{}{"type": "integer", "minimum": 0},
		"minItems":    2,
		"maxItems":    2,
	}
}

func registerComputer(reg *agentloop.ToolRegistry, desktop sandbox.Desktop) error {
	return reg.Register(agentloop.ToolDefinition{
		Name: "computer",
		Description: "Control the desktop: take screenshots, move and click the mouse, type text, press keys, scroll and drag. " +
			"Coordinates are [x, y] screen pixels.",
		Parameters: schema([]string{"action"}, map[string]interface{}{
			"action":     enumProp("The desktop action.", computerActions...),
			"coordinate": pointProp("Target [x, y] for mouse actions and scroll, start point for drag."),
			"to":         pointProp("End point [x, y] for drag."),
			"text":       prop("string", "Text to type."),
			"keys":       prop("string", "Key combination for key, e.g. \"ctrl+s\" or \"Return\"."),
			"direction":  map[string]interface{}{"type": "string", "enum": []string{"up", "down"}, "description": "Scroll direction. Default: down."},
			"amount":     map[string]interface{}{"type": "integer", "description": "Scroll clicks. Default: 3.", "minimum": 1, "maximum": 50},
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		action, _ := args.String("action")
		if action == "screenshot" {
			png, err := desktop.Screenshot(ctx)
			if err != nil {
				return sandbox.Output{}, err
			}
			return sandbox.Output{Text: fmt.Sprintf("Captured screenshot (%d bytes)", len(png)), Image: png}, nil
		}
		if err := computerAction(ctx, desktop, action, args); err != nil {
			return sandbox.Output{}, err
		}
		return sandbox.Output{Text: "Performed " + action}, nil
	}, agentloop.WithOutputLimits(2000, 0))
}

func computerAction(ctx context.Context, desktop sandbox.Desktop, action string, args agentloop.Arguments) error {
	switch action {
	case "type":
		text, _ := args.String("text")
		if text == "" {
			return inputError("text is required for type")
		}
		return desktop.Type(ctx, text)
	case "key":
		keys, _ := args.String("keys")
		if keys == "" {
			return inputError("keys is required for key")
		}
		return desktop.Key(ctx, keys)
	}

	x, y, err := point(args, "coordinate")
	if err != nil {
		return err
	}
	switch action {
	case "mouse_move":
		return desktop.MouseMove(ctx, x, y)
	case "click":
		return desktop.Click(ctx, x, y, sandbox.ButtonLeft, 1)
	case "double_click":
		return desktop.Click(ctx, x, y, sandbox.ButtonLeft, 2)
	case "right_click":
		return desktop.Click(ctx, x, y, sandbox.ButtonRight, 1)
	case "scroll":
		direction, _ := args.String("direction")
		amount, ok := args.Int("amount")
		if !ok {
			amount = 3
		}
		return desktop.Scroll(ctx, x, y, direction == "up", amount)
	case "drag":
		toX, toY, err := point(args, "to")
		if err != nil {
			return err
		}
		return desktop.Drag(ctx, x, y, toX, toY)
	default:
		return inputError("unsupported computer action %q", action)
	}
}

// point reads an [x, y] argument.
func point(args agentloop.Arguments, key string) (int, int, error) {
	items, ok := args[key].([]interface{})
	if !ok || len(items) != 2 {
		return 0, 0, inputError("%s must be an [x, y] pair", key)
	}
	x, okX := items[0].(float64)
	y, okY := items[1].(float64)
	if !okX || !okY {
		return 0, 0, inputError("%s must be an [x, y] pair of integers", key)
	}
	return int(x), int(y), nil
}

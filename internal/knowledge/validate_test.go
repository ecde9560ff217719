package knowledge

import (
	"encoding/json"
	"strings"
	"testing"
)

func parseWorkflow(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	var workflow map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &workflow); err != nil {
		t.Fatalf("bad workflow fixture: %v", err)
	}
	return workflow
}

const validWorkflow = `{
	"1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd_xl_base_1.0.safetensors"}},
	"2": {"class_type": "KSampler", "inputs": {
		"model": ["1", 0], "seed": 42, "steps": 20, "sampler_name": "euler",
		"positive": ["1", 1], "negative": ["1", 1], "latent_image": ["2", 0]
	}},
	"3": {"class_type": "VAEDecode", "inputs": {"samples": ["2", 0], "vae": ["1", 2]}},
	"4": {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
}`

func TestValidateAcceptsCompleteWorkflow(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t, validWorkflow))
	if !result.Valid() {
		t.Fatalf("valid workflow rejected: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
	if result.Render() != "Workflow is valid." {
		t.Errorf("Render = %q", result.Render())
	}
}

func TestValidateMissingClassType(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t, `{"1": {"inputs": {}}}`))
	if result.Valid() {
		t.Fatal("accepted node without class_type")
	}
	if !strings.Contains(result.Errors[0], "missing class_type") {
		t.Errorf("error = %q", result.Errors[0])
	}
}

func TestValidateUnknownClassType(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t,
		`{"1": {"class_type": "FluxGuidance", "inputs": {}}}`))
	if result.Valid() {
		t.Fatal("accepted unknown class_type")
	}
	if !strings.Contains(result.Errors[0], `unknown class_type "FluxGuidance"`) {
		t.Errorf("error = %q", result.Errors[0])
	}
}

func TestValidateMissingRequiredInput(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t,
		`{"1": {"class_type": "VAEDecode", "inputs": {"samples": ["2", 0]}}}`))
	if result.Valid() {
		t.Fatal("accepted missing required input")
	}
	joined := strings.Join(result.Errors, "\n")
	if !strings.Contains(joined, `missing required input "vae"`) {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestValidateDanglingLink(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t,
		`{"1": {"class_type": "SaveImage", "inputs": {"images": ["99", 0]}}}`))
	if result.Valid() {
		t.Fatal("accepted dangling link")
	}
	if !strings.Contains(result.Errors[0], `links to missing node "99"`) {
		t.Errorf("error = %q", result.Errors[0])
	}
}

func TestValidateLinkSlotOutOfRange(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t, `{
		"1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "x"}},
		"2": {"class_type": "SaveImage", "inputs": {"images": ["1", 7]}}
	}`))
	if result.Valid() {
		t.Fatal("accepted out-of-range output slot")
	}
	joined := strings.Join(result.Errors, "\n")
	if !strings.Contains(joined, "output 7, which does not exist") {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestValidateUnknownInputIsWarning(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(parseWorkflow(t, `{
		"1": {"class_type": "CheckpointLoaderSimple",
		      "inputs": {"ckpt_name": "x", "turbo_mode": true}}
	}`))
	if !result.Valid() {
		t.Fatalf("unknown input treated as error: %v", result.Errors)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], `unknown input "turbo_mode"`) {
		t.Errorf("warnings = %v", result.Warnings)
	}
	if !strings.Contains(result.Render(), "valid, with warnings") {
		t.Errorf("Render = %q", result.Render())
	}
}

func TestValidateEmptyWorkflow(t *testing.T) {
	idx := buildTestIndex(t)
	result := idx.ValidateWorkflow(map[string]json.RawMessage{})
	if result.Valid() {
		t.Fatal("accepted empty workflow")
	}
}

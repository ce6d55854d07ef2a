package registry

import "testing"

func TestBuildKinds(t *testing.T) {
	for _, kind := range []string{"azure", "Azure_OpenAI", "openai", "openai_compat"} {
		c, err := Build(BuildOptions{Kind: kind, ResourceName: "res", APIKey: "k"})
		if err != nil {
			t.Fatalf("build %q: %v", kind, err)
		}
		if c == nil {
			t.Fatalf("build %q returned nil client", kind)
		}
	}
}

func TestBuildAzureNeedsEndpoint(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: "azure", APIKey: "k"}); err == nil {
		t.Fatalf("expected error without resource name or endpoint")
	}
}

func TestBuildUnknownKind(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: "custom_http"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestAzureEndpoint(t *testing.T) {
	if got := AzureEndpoint(" my-res "); got != "https://my-res.openai.azure.com" {
		t.Fatalf("AzureEndpoint = %q", got)
	}
}

package skill

import (
	"context"
	"strings"
	"testing"
)

func TestResolveWorkflowPrefix(t *testing.T) {
	reg := NewRegistry(NewLocalRunner())

	sk, ok := reg.Resolve("workflow:deploy")
	if !ok {
		t.Fatalf("workflow name did not resolve")
	}
	if !reg.IsWorkflow(sk.Name()) {
		t.Fatalf("resolved skill name %q not recognized as workflow", sk.Name())
	}

	var startedID int64
	sub, ok := sk.(SubRunner)
	if !ok {
		t.Fatalf("workflow skill must expose its sub-run id")
	}
	sub.OnStart(func(subRunID int64) { startedID = subRunID })

	out, err := sk.Invoke(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if !strings.Contains(out, "deploy") {
		t.Fatalf("output = %q", out)
	}
	if startedID == 0 || sub.SubRunID() != startedID {
		t.Fatalf("sub-run id: started=%d recorded=%d", startedID, sub.SubRunID())
	}
}

func TestResolveUnknownSkill(t *testing.T) {
	reg := NewRegistry(nil)
	if _, ok := reg.Resolve("no_such_tool"); ok {
		t.Fatalf("unknown name must not resolve")
	}
	// Without a runner, workflow names cannot resolve either.
	if _, ok := reg.Resolve("workflow:deploy"); ok {
		t.Fatalf("workflow must not resolve without a runner")
	}
}

func TestInfosIncludeDocumentReader(t *testing.T) {
	reg := NewRegistry(nil)
	found := false
	for _, info := range reg.Infos() {
		if info.Name == "read_document" {
			found = true
		}
	}
	if !found {
		t.Fatalf("document reader missing from tool infos")
	}
}

func TestAttachmentsContext(t *testing.T) {
	ctx := WithAttachments(context.Background(), []string{"/tmp/a.pdf", "/tmp/b.txt"})
	got := AttachmentsFromContext(ctx)
	if len(got) != 2 || got[0] != "/tmp/a.pdf" {
		t.Fatalf("attachments = %v", got)
	}
	if AttachmentsFromContext(context.Background()) != nil {
		t.Fatalf("empty context must carry no attachments")
	}
}

func TestDocumentReaderRefusesUnattachedPath(t *testing.T) {
	reader := newDocumentReader()
	ctx := WithAttachments(context.Background(), []string{"/tmp/allowed.txt"})
	if _, err := reader.Invoke(ctx, `{"path":"/etc/passwd"}`); err == nil {
		t.Fatalf("reading an unattached path must fail")
	}
}

func TestLocalRunnerAwaitUnknownRun(t *testing.T) {
	runner := NewLocalRunner()
	if _, err := runner.Await(context.Background(), 123); err == nil {
		t.Fatalf("expected unknown sub-run error")
	}
}

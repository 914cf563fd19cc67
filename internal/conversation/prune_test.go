package conversation

import "testing"

const testPersona = "test persona"

func userMsg(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func refMsg(content string) Message {
	return Message{Role: RoleUser, Content: content, IsReference: true}
}

func TestPruneToCap(t *testing.T) {
	tests := []struct {
		name        string
		msgs        []Message
		maxLen      int
		wantLen     int
		wantContent []string // expected content, index order
	}{
		{
			name:    "under cap is a no-op",
			msgs:    []Message{SystemMessage(testPersona), userMsg("a"), userMsg("b")},
			maxLen:  5,
			wantLen: 3,
			wantContent: []string{testPersona, "a", "b"},
		},
		{
			name: "oldest non-reference evicted first",
			msgs: []Message{
				SystemMessage(testPersona),
				refMsg("ref1"), userMsg("a"), userMsg("b"), userMsg("c"),
			},
			maxLen:      4,
			wantLen:     4,
			wantContent: []string{testPersona, "ref1", "b", "c"},
		},
		{
			name: "all references evicts index 1",
			msgs: []Message{
				SystemMessage(testPersona),
				refMsg("ref1"), refMsg("ref2"), refMsg("ref3"),
			},
			maxLen:      3,
			wantLen:     3,
			wantContent: []string{testPersona, "ref2", "ref3"},
		},
		{
			name:        "missing system message restored at cap",
			msgs:        []Message{userMsg("a"), userMsg("b"), userMsg("c")},
			maxLen:      3,
			wantLen:     3,
			wantContent: []string{testPersona, "a", "b"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := pruneToCap(tc.msgs, testPersona, tc.maxLen)
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if got[0].Role != RoleSystem {
				t.Fatalf("index 0 role = %q, want system", got[0].Role)
			}
			for i, want := range tc.wantContent {
				if got[i].Content != want {
					t.Errorf("index %d content = %q, want %q", i, got[i].Content, want)
				}
			}
		})
	}
}

func TestEnsureSystem_EmptyRecord(t *testing.T) {
	got := ensureSystem(nil, testPersona, 10)
	if len(got) != 1 || got[0].Role != RoleSystem || got[0].Content != testPersona {
		t.Fatalf("got %+v, want single system message", got)
	}
}

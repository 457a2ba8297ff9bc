package action

import (
	"bytes"
	"sort"
	"strconv"
)

// CanonicalBytes returns the deterministic byte encoding of the action's
// executable payload. Two actions with the same canonical bytes will do
// the same thing when executed; anything cosmetic (summary, why, tags)
// is excluded. Fields are NUL separated, list entries newline separated,
// map keys sorted.
func (a *ProposedAction) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(a.Kind))
	buf.WriteByte(0)

	switch {
	case a.Patch != nil:
		writeCanonicalPatch(&buf, a.Patch)
	case a.Command != nil:
		writeCanonicalCommand(&buf, a.Command)
	case a.FileCreate != nil:
		writeFields(&buf, a.FileCreate.Path, a.FileCreate.Content,
			strconv.FormatBool(a.FileCreate.Overwrite),
			strconv.FormatBool(a.FileCreate.IgnoreIfExists))
	case a.FileRename != nil:
		writeFields(&buf, a.FileRename.OldPath, a.FileRename.NewPath,
			strconv.FormatBool(a.FileRename.Overwrite))
	case a.FileDelete != nil:
		writeFields(&buf, a.FileDelete.Path,
			strconv.FormatBool(a.FileDelete.Recursive),
			strconv.FormatBool(a.FileDelete.IgnoreIfMissing),
			a.FileDelete.ExpectedSHA256)
	case a.Handoff != nil:
		writeFields(&buf, string(a.Handoff.From), string(a.Handoff.To),
			a.Handoff.Reason, a.Handoff.WorkflowPatchRef)
	case a.PlanPatch != nil:
		writeFields(&buf, a.PlanPatch.PlanID, a.PlanPatch.PatchRef,
			string(a.PlanPatch.PatchMode))
	case a.AgendaPatch != nil:
		writeFields(&buf, a.AgendaPatch.TargetPath, NormalizeDiff(a.AgendaPatch.Diff))
	}
	return buf.Bytes()
}

func writeCanonicalPatch(buf *bytes.Buffer, p *PatchDetails) {
	buf.WriteString(string(p.Format))
	buf.WriteByte(0)
	switch p.Format {
	case FormatUnified:
		buf.WriteString(NormalizeDiff(p.Diff))
	case FormatSearchReplace:
		for _, b := range p.SearchReplaceBlocks {
			writeFields(buf, b.File, string(b.MatchMode), b.Search, b.Replace)
			buf.WriteByte('\n')
		}
	case FormatWholeFile:
		files := make([]string, 0, len(p.WholeFileContent))
		for f := range p.WholeFileContent {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			writeFields(buf, f, p.WholeFileContent[f])
			buf.WriteByte('\n')
		}
	}
}

func writeCanonicalCommand(buf *bytes.Buffer, c *CommandDetails) {
	for _, arg := range c.Argv {
		buf.WriteString(arg)
		buf.WriteByte(0)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Cwd)
}

func writeFields(buf *bytes.Buffer, fields ...string) {
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
}

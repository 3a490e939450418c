package evalscheduler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonMarker prefixes the single line of JSON the in-sandbox Python harness
// prints so stdout (which may also carry pytest/suite chatter) can be
// scanned in reverse for the actual result line.
const jsonMarker = "__ENVOI_EVAL_JSON__"

// BuildCommitEvaluationCommand renders the shell script run inside the
// sandbox to clone the workspace at commit, connect to the envoi session
// server, run testPath (or the full suite when empty), and print a single
// marked JSON result line. Grounded on
// envoi_code/utils/evaluation.py:build_commit_evaluation_command.
func BuildCommitEvaluationCommand(commit, evalRepoDir, envoiURL, testPath string) string {
	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "repo_dir=%s\n", shellQuote(evalRepoDir))
	b.WriteString("rm -rf \"$repo_dir\"\n")
	b.WriteString("git clone -q /workspace \"$repo_dir\"\n")
	b.WriteString("cd \"$repo_dir\"\n")
	fmt.Fprintf(&b, "git checkout -q %s\n", shellQuote(commit))
	b.WriteString("python3 - <<'PY'\n")
	b.WriteString("import asyncio, json, time, traceback\n")
	b.WriteString("import envoi\n")
	fmt.Fprintf(&b, "envoi_url = %s\n", mustJSON(envoiURL))
	fmt.Fprintf(&b, "eval_test_path = %s\n", mustJSON(testPath))
	fmt.Fprintf(&b, "marker = %s\n", mustJSON(jsonMarker))
	b.WriteString(collectTotalsSource)
	b.WriteString(runEvaluationSource)
	b.WriteString("asyncio.run(_main())\n")
	b.WriteString("PY\n")
	b.WriteString("status=$?\n")
	b.WriteString("cd /workspace\n")
	b.WriteString("rm -rf \"$repo_dir\"\n")
	b.WriteString("exit $status\n")
	return b.String()
}

// BuildWorkingTreeEvaluationCommand renders the same test-driver script as
// BuildCommitEvaluationCommand but runs it in place against /workspace's
// current working tree rather than a commit checked out into a scratch
// clone, for the Turn Loop's inline turn-end evaluation (spec.md §4.6 step
// 6, which spec.md §9 notes deliberately evaluates uncommitted state).
func BuildWorkingTreeEvaluationCommand(envoiURL, testPath string) string {
	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	b.WriteString("cd /workspace\n")
	b.WriteString("python3 - <<'PY'\n")
	b.WriteString("import asyncio, json, time, traceback\n")
	b.WriteString("import envoi\n")
	fmt.Fprintf(&b, "envoi_url = %s\n", mustJSON(envoiURL))
	fmt.Fprintf(&b, "eval_test_path = %s\n", mustJSON(testPath))
	fmt.Fprintf(&b, "marker = %s\n", mustJSON(jsonMarker))
	b.WriteString(collectTotalsSource)
	b.WriteString(runEvaluationSource)
	b.WriteString("asyncio.run(_main())\n")
	b.WriteString("PY\n")
	return b.String()
}

const collectTotalsSource = `def _collect_totals(node):
    if isinstance(node, dict):
        passed = node.get('passed')
        failed = node.get('failed')
        total = node.get('total')
        if isinstance(passed, int) and isinstance(failed, int) and isinstance(total, int):
            return max(0, passed), max(0, failed), max(0, total)
        p = f = t = 0
        for value in node.values():
            cp, cf, ct = _collect_totals(value)
            p += cp; f += cf; t += ct
        return p, f, t
    if isinstance(node, list):
        p = f = t = 0
        for value in node:
            cp, cf, ct = _collect_totals(value)
            p += cp; f += cf; t += ct
        return p, f, t
    return 0, 0, 0
`

const runEvaluationSource = `async def _main():
    started_at = time.monotonic()
    payload = {'duration_ms': 0, 'passed': 0, 'failed': 0, 'total': 0, 'suite_results': {}, 'error': None}
    try:
        docs = envoi.Documents('.')
        async with await envoi.connect_session(
            envoi_url, connect_timeout_seconds=7200, submission=docs, session_timeout_seconds=7200,
        ) as session:
            result = await session.test(eval_test_path) if eval_test_path else await session.test()
            passed, failed, total = _collect_totals(result)
            payload['passed'] = int(passed)
            payload['failed'] = int(failed)
            payload['total'] = int(total)
            suite_key = eval_test_path if eval_test_path else 'all'
            payload['suite_results'] = {
                suite_key: {'ok': failed == 0 and total > 0, 'passed': int(passed), 'failed': int(failed), 'total': int(total), 'error': None}
            }
    except Exception as error:
        msg = str(error).strip()
        payload['error'] = msg if msg else type(error).__name__
        payload['traceback'] = traceback.format_exc()
    finally:
        payload['duration_ms'] = int((time.monotonic() - started_at) * 1000)
    print(marker + json.dumps(payload, ensure_ascii=False))
`

func mustJSON(s string) string {
	out, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(out)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ParseCommitEvaluationPayload scans stdout in reverse for the last
// jsonMarker-prefixed line and decodes it, matching
// evaluation.py:parse_commit_evaluation_payload. Returns ok=false if no
// marker line is present or it fails to decode as a JSON object.
func ParseCommitEvaluationPayload(stdout string) (map[string]any, bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, jsonMarker) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, jsonMarker))
		if raw == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, false
		}
		return payload, true
	}
	return nil, false
}

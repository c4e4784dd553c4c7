package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    issue_id TEXT NOT NULL,
    title TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    workspace_path TEXT,
    branch TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    files_modified TEXT,
    error TEXT,
    pr_number INTEGER,
    pr_url TEXT,
    dismissal_reason TEXT,
    cost_usd REAL
);

CREATE INDEX IF NOT EXISTS idx_runs_issue_id ON runs(issue_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    timestamp TIMESTAMP NOT NULL,
    phase TEXT,
    category TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id);
`

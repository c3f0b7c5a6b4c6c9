package history

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    backend_type TEXT NOT NULL,
    backend_name TEXT NOT NULL,
    endpoint TEXT,
    repo TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    pr_url TEXT,
    failure_code TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_dispatches_task_id ON dispatches(task_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_session_id ON dispatches(session_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_completed_at ON dispatches(completed_at);
`

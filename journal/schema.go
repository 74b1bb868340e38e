package journal

var schema = []string{`
CREATE TABLE IF NOT EXISTS genq_tasks (
    id           VARCHAR(64)  PRIMARY KEY,
    kind         VARCHAR(32)  NOT NULL,
    domain       VARCHAR(32)  NOT NULL,
    params_json  TEXT         NOT NULL,
    status       VARCHAR(32)  NOT NULL,
    phase        VARCHAR(32)  NOT NULL DEFAULT '',
    error_msg    TEXT         NULL,
    output_json  TEXT         NULL,
    created_at   DATETIME     NOT NULL,
    updated_at   DATETIME     NULL,
    started_at   DATETIME     NULL,
    finished_at  DATETIME     NULL,
    duration_ms  INTEGER      NULL
)`, `
CREATE TABLE IF NOT EXISTS genq_transitions (
    seq      INTEGER      PRIMARY KEY,
    task_id  VARCHAR(64)  NOT NULL,
    status   VARCHAR(32)  NOT NULL,
    phase    VARCHAR(32)  NOT NULL DEFAULT '',
    at       DATETIME     NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS genq_transitions_task ON genq_transitions (task_id)`,
}

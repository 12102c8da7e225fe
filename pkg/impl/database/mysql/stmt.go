package mysql

// Statements
const (
	// StmtInsertTask and other statements for interacting with task table
	StmtInsertTask = `INSERT INTO task (id, instance_id, instance_node_id, definition_node_id, module_name, state, outcome, priority, failure_count, worker, submitted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	StmtGetTask    = `SELECT id, instance_id, instance_node_id, definition_node_id, module_name, state, outcome, priority, failure_count, worker, submitted_at, started_at, ended_at FROM task WHERE id = ?`
	StmtCountTasks = `SELECT state, COUNT(1) FROM task WHERE instance_node_id = ? GROUP BY state`

	// StmtInsertInstanceNode and other statements for interacting with instance_node table
	StmtInsertInstanceNode       = `INSERT INTO instance_node (id, instance_id, definition_node_id, module_name, transition_complete, total, submitted, processing, completed, errored, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	StmtGetInstanceNode          = `SELECT id, instance_id, definition_node_id, module_name, transition_complete, total, submitted, processing, completed, errored, created_at, updated_at FROM instance_node WHERE id = ?`
	StmtSetTransitionComplete    = `UPDATE instance_node SET transition_complete = ?, updated_at = ? WHERE id = ?`
	StmtUpdateInstanceNodeCounts = `UPDATE instance_node SET total = ?, submitted = ?, processing = ?, completed = ?, errored = ?, updated_at = ? WHERE id = ?`

	// StmtGetWorkerResources and other statements for interacting with worker_resources table
	StmtGetWorkerResources  = `SELECT definition_node_id, worker_count, memory_mb FROM worker_resources WHERE definition_node_id = ?`
	StmtSaveWorkerResources = `INSERT INTO worker_resources (definition_node_id, worker_count, memory_mb) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE worker_count = VALUES(worker_count), memory_mb = VALUES(memory_mb)`
)

// Statement templates
// NOTE: uninject language or reference here to avoid error reminders in JetBrains IDE
const (
	TemplateFindTasks       = `SELECT id, instance_id, instance_node_id, definition_node_id, module_name, state, outcome, priority, failure_count, worker, submitted_at, started_at, ended_at FROM task %v ORDER BY id ASC LIMIT 5000`
	TemplateUpdateTaskState = `UPDATE task SET %v WHERE %v`
)

package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- States, models and versions
			CREATE TABLE flow_states (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				icon VARCHAR(255) NOT NULL DEFAULT '',
				info TEXT NOT NULL DEFAULT '',
				sys_state VARCHAR(50) NOT NULL CHECK (sys_state IN ('start', 'progress', 'finish')),
				state_kind VARCHAR(50) NOT NULL,
				vars JSONB,
				kind_conf JSONB,
				template BOOLEAN NOT NULL DEFAULT false,
				rel_state_id VARCHAR(255) NOT NULL DEFAULT '',
				tag VARCHAR(255) NOT NULL,
				own_paths VARCHAR(1024) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_states_tag ON flow_states(tag);

			CREATE TABLE flow_models (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				tag VARCHAR(255) NOT NULL,
				own_paths VARCHAR(1024) NOT NULL DEFAULT '',
				template BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_models_tag ON flow_models(tag);

			CREATE TABLE flow_model_versions (
				id VARCHAR(255) PRIMARY KEY,
				model_id VARCHAR(255) NOT NULL,
				tag VARCHAR(255) NOT NULL,
				own_paths VARCHAR(1024) NOT NULL DEFAULT '',
				init_state_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('editing', 'enabled', 'disabled')),
				states JSONB NOT NULL DEFAULT '[]',
				transitions JSONB NOT NULL DEFAULT '[]',
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_by VARCHAR(255) NOT NULL DEFAULT '',
				published_at TIMESTAMP WITH TIME ZONE,
				superseded_by VARCHAR(255) NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_flow_model_versions_model_id ON flow_model_versions(model_id);
			CREATE INDEX idx_flow_model_versions_status ON flow_model_versions(status);

			-- At most one enabled version per scope
			CREATE UNIQUE INDEX idx_flow_model_versions_enabled_scope
				ON flow_model_versions(model_id, tag, own_paths)
				WHERE status = 'enabled';
		`,
		2: `
			-- Instances and their append-only history
			CREATE TABLE flow_instances (
				id VARCHAR(255) PRIMARY KEY,
				business_object_id VARCHAR(255) NOT NULL,
				tag VARCHAR(255) NOT NULL,
				own_paths VARCHAR(1024) NOT NULL DEFAULT '',
				model_version_id VARCHAR(255) NOT NULL REFERENCES flow_model_versions(id),
				current_state_id VARCHAR(255) NOT NULL,
				vars JSONB NOT NULL DEFAULT '{}',
				revision INTEGER NOT NULL DEFAULT 0,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				aborted BOOLEAN NOT NULL DEFAULT false
			);

			CREATE UNIQUE INDEX idx_flow_instances_business_object ON flow_instances(tag, business_object_id);
			CREATE INDEX idx_flow_instances_version_state ON flow_instances(model_version_id, current_state_id);

			CREATE TABLE flow_instance_history (
				instance_id VARCHAR(255) NOT NULL REFERENCES flow_instances(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				from_state_id VARCHAR(255) NOT NULL,
				to_state_id VARCHAR(255) NOT NULL,
				transition_id VARCHAR(255) NOT NULL,
				actor_id VARCHAR(255) NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				vars JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, seq)
			);
		`,
		3: `
			-- Markers of post actions already applied to an instance
			ALTER TABLE flow_instances ADD COLUMN applied_actions JSONB NOT NULL DEFAULT '[]';
		`,
	}
}

package ai

// ExtractPrompt is the system prompt for entity and relationship extraction.
// Placeholders: entity types, document name, entity types.
const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from a chunk of a larger document. Capture every entity and relationship that is explicitly present in the text.

# Background Data
- **Entity_types:** [%s]
- **Document_name:** [%s]

# Detailed Task Description & Rules
## Entity Extraction
1. Identify all entities of the specified types.
2. For each entity, extract:
   - **entity_name:** the name exactly as it is written in the text. Use the same spelling every time the entity is referenced.
   - **entity_type:** one of the provided types [%s].
   - **entity_description:** a short description of the attributes and activities stated in the text.

## Relationship Extraction
1. From the identified entities, determine all clear relationships between pairs of entities.
2. For each relationship, extract:
   - **source_entity:** entity_name of the source entity, spelled exactly as in the entity list.
   - **target_entity:** entity_name of the target entity, spelled exactly as in the entity list.
   - **relationship_type:** a short snake_case verb phrase, for example "works_for", "located_in", "founded".
   - **relationship_description:** how the entities are related, based strictly on the text.
   - **relationship_strength:** a score between 0.0 and 1.0, higher means stronger.
3. Only relate entities that appear in your entity list.

# Examples
**Entity_types:** ORGANIZATION, PERSON
**Text:** Alice works for Acme.

**Output:**
{
  "entities": [
    {"entity_name": "Alice", "entity_type": "PERSON", "entity_description": "Alice is employed by Acme."},
    {"entity_name": "Acme", "entity_type": "ORGANIZATION", "entity_description": "Acme employs Alice."}
  ],
  "relationships": [
    {"source_entity": "Alice", "target_entity": "Acme", "relationship_type": "works_for", "relationship_description": "Alice works for Acme.", "relationship_strength": 0.9}
  ]
}

# Output Formatting
Return a single valid JSON object with the keys "entities" and "relationships". Use empty arrays when nothing was found. Do not include any text outside of the JSON.
`

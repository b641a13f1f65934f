/*
 * Copyright 2026 capstan-io.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package capstan is a session-based persistence layer for SQL databases
// built on Bun. A Session tracks loaded instances in an identity map,
// detects changes by snapshot comparison, and writes them out in batched
// statements at flush. Associations load lazily through explicit Ref and
// RefSlice references; nothing is fetched behind the caller's back.
//
// Map entity structs with capstan struct tags, register them in a
// metadata.Registry, and open sessions against any bun.IDB:
//
//	type Author struct {
//		ID   int64             `capstan:"id"`
//		Name string
//		Book capstan.Ref[Book] `capstan:"assoc=Book,column=book_id"`
//	}
//
//	desc, _ := metadata.Describe(&Author{}, "authors")
//	_ = reg.Register(desc)
//
//	session := capstan.OpenSession(db, reg, engine.Config{})
//	author, _ := capstan.Get[Author](ctx, session, 5)
//	book, _ := capstan.Fetch(ctx, session, &author.Book)
package capstan
